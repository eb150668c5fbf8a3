package model

// EnvEntry is a single KEY=value pair of the environment record.
type EnvEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EnvironmentRecord holds the host's generated runtime secrets and derived
// configuration, in file order.
type EnvironmentRecord struct {
	Path    string     `json:"path"`
	Entries []EnvEntry `json:"entries"`
	// Created is true when the record was generated by this run.
	Created bool `json:"created"`
	// Updated lists the derived keys rewritten by this run.
	Updated []string `json:"updated,omitempty"`
}

// Get returns the value for key and whether it is present.
func (r *EnvironmentRecord) Get(key string) (string, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Map returns the entries as a map.
func (r *EnvironmentRecord) Map() map[string]string {
	m := make(map[string]string, len(r.Entries))
	for _, e := range r.Entries {
		m[e.Key] = e.Value
	}
	return m
}
