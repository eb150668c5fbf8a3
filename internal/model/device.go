package model

// Device is a block-storage resource identified by a stable id.
type Device struct {
	ID                string `json:"id"`
	Path              string `json:"path"`
	Present           bool   `json:"present"`
	FilesystemPresent bool   `json:"filesystem_present"`
	FSType            string `json:"fs_type,omitempty"`
}

// MountRecord is a persisted filesystem-table entry binding a device to a mount path.
type MountRecord struct {
	DeviceID   string `json:"device_id"`
	DevicePath string `json:"device_path"`
	MountPath  string `json:"mount_path"`
	FSType     string `json:"fs_type"`
	Options    string `json:"options"`
}
