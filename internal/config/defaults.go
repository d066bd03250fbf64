package config

const (
	defaultDataDir           = "~/.local/share/meterbox"
	defaultArtifactDir       = "~/.local/share/meterbox/artifacts"
	defaultLogDir            = "~/.local/share/meterbox/logs"
	defaultAPIBind           = "127.0.0.1:7493"
	defaultOCRTimeout        = 30
	defaultUploadTimeout     = 30
	defaultCaptureQuality    = 16
	defaultInactivityTimeout = 300
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			APIBind:     defaultAPIBind,
		},
		OCR: OCR{
			RequestTimeout: defaultOCRTimeout,
		},
		Upload: Upload{
			RequestTimeout: defaultUploadTimeout,
		},
		Capture: Capture{
			Quality: defaultCaptureQuality,
		},
		Power: Power{
			InactivityTimeout: defaultInactivityTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
