// Package api defines the wire types shared by the daemon HTTP API and the
// CLI client.
package api

// StatusResponse summarizes daemon runtime information.
type StatusResponse struct {
	State          string `json:"state"`
	BootCount      int64  `json:"bootCount"`
	ArtifactCount  int    `json:"artifactCount"`
	SettingsDBPath string `json:"settingsDbPath"`
	ArtifactDir    string `json:"artifactDir"`
	ClockSource    string `json:"clockSource"`
}

// DeviceResult reports one device's outcome within a capture batch.
type DeviceResult struct {
	DeviceKey string `json:"deviceKey"`
	DeviceID  string `json:"deviceId"`
	Artifact  string `json:"artifact,omitempty"`
	Text      string `json:"text,omitempty"`
	Uploaded  bool   `json:"uploaded"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// CaptureResponse carries the results of a triggered batch.
type CaptureResponse struct {
	Results []DeviceResult `json:"results"`
}

// OperationalSettings mirrors the runtime settings shared by both devices.
type OperationalSettings struct {
	OCREnabled   bool   `json:"ocrEnabled"`
	CopyToServer bool   `json:"copyToServer"`
	ServerPath   string `json:"serverPath"`
	SleepEnabled bool   `json:"sleepEnabled"`
	SleepSeconds int    `json:"sleepSeconds"`
	AGCGain      int    `json:"agcGain"`
	AECValue     int    `json:"aecValue"`
	FlashDuty    int    `json:"flashDuty"`
}

// Region describes one device slot and its sensor window.
type Region struct {
	Key        string `json:"key"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	X1         int    `json:"x1"`
	Y1         int    `json:"y1"`
	X2         int    `json:"x2"`
	Y2         int    `json:"y2"`
}

// RegionsResponse lists both device slots.
type RegionsResponse struct {
	Regions []Region `json:"regions"`
}

// ArtifactInfo describes one stored artifact.
type ArtifactInfo struct {
	Name      string `json:"name"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	BootCount int64  `json:"bootCount"`
	Size      int64  `json:"size"`
	Text      string `json:"text,omitempty"`
}

// ArtifactListResponse lists stored artifacts, oldest first.
type ArtifactListResponse struct {
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
