package model

// Stack desired states.
const (
	StackDown     = "down"
	StackBuilding = "building"
	StackUp       = "up"
)

// ServiceState is the observed state of one container of the stack.
type ServiceState struct {
	Service   string `json:"service"`
	Container string `json:"container"`
	State     string `json:"state"`
	Running   bool   `json:"running"`
}

// ServiceStack is the set of containers composing the application.
type ServiceStack struct {
	Project  string         `json:"project"`
	Desired  string         `json:"desired"`
	Services []ServiceState `json:"services"`
}

// Running reports whether the named service has a running container.
func (s *ServiceStack) Running(service string) bool {
	for _, st := range s.Services {
		if st.Service == service && st.Running {
			return true
		}
	}
	return false
}
