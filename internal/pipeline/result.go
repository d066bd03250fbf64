package pipeline

// Result reports the outcome of one device within a batch. A batch always
// yields one Result per launched device; failures never cancel siblings.
type Result struct {
	DeviceKey string `json:"device_key"`
	DeviceID  string `json:"device_id"`
	Artifact  string `json:"artifact,omitempty"`
	Text      string `json:"text,omitempty"`
	Uploaded  bool   `json:"uploaded"`
	ErrorKind string `json:"error_kind,omitempty"`

	Err error `json:"-"`
}

// OK reports whether the device produced a stored artifact.
func (r Result) OK() bool { return r.Err == nil }
