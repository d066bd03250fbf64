package settings

import (
	"fmt"
	"strings"

	"meterbox/internal/services"
)

// Device slot keys. The appliance carries exactly two sensors.
const (
	Device1 = "device1"
	Device2 = "device2"
)

// DeviceKeys returns the slot keys in capture order.
func DeviceKeys() []string {
	return []string{Device1, Device2}
}

// Rect is a half-open sensor window in pixel coordinates: (X1,Y1) top-left
// inclusive, (X2,Y2) bottom-right exclusive.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns X2-X1.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height returns Y2-Y1.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// AlignmentError reports the first sensor alignment rule the rect violates.
// The sensor produces undefined output on a misaligned window instead of
// erroring, so callers must check before programming it.
func (r Rect) AlignmentError() error {
	if r.X1%8 != 0 {
		return fmt.Errorf("x1 %d not a multiple of 8", r.X1)
	}
	if r.Width()%16 != 0 {
		return fmt.Errorf("width %d not a multiple of 16", r.Width())
	}
	if r.Y1%2 != 0 {
		return fmt.Errorf("y1 %d not even", r.Y1)
	}
	if r.Height()%8 != 0 {
		return fmt.Errorf("height %d not a multiple of 8", r.Height())
	}
	return nil
}

// Meter type tags. Empty means not yet classified.
const (
	TypeHotWater  = "hot-water"
	TypeColdWater = "cold-water"
	TypeElectric  = "electric"
)

// ValidType reports whether t is a known meter type tag.
func ValidType(t string) bool {
	switch t {
	case "", TypeHotWater, TypeColdWater, TypeElectric:
		return true
	}
	return false
}

// DeviceRegion describes one metered device: its identity and the sensor
// window that frames its display.
type DeviceRegion struct {
	ID   string `json:"id"`
	Type string `json:"device_type"`
	Rect Rect   `json:"rect"`
}

// Validate checks the fields that must hold for a region to be persisted.
// The factory default rect predates the alignment rules and bypasses this
// path, so the camera re-checks alignment at capture time.
func (d DeviceRegion) Validate() error {
	fail := func(msg string) error {
		return services.Wrap(services.ErrConfiguration, "settings", "validate", msg, nil)
	}
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return fail("device id must not be empty")
	}
	if len(id) > maxDeviceIDLen {
		return fail(fmt.Sprintf("device id longer than %d characters", maxDeviceIDLen))
	}
	if !ValidType(d.Type) {
		return fail(fmt.Sprintf("unknown device type %q", d.Type))
	}
	if d.Rect.X2 <= d.Rect.X1 || d.Rect.Y2 <= d.Rect.Y1 {
		return fail(fmt.Sprintf("region (%d,%d)-(%d,%d) has no area", d.Rect.X1, d.Rect.Y1, d.Rect.X2, d.Rect.Y2))
	}
	if err := d.Rect.AlignmentError(); err != nil {
		return fail("region " + err.Error())
	}
	return nil
}

// Operational holds the runtime knobs shared by both devices.
type Operational struct {
	OCREnabled   bool   `json:"ocr_enabled"`
	CopyToServer bool   `json:"copy_to_server"`
	ServerPath   string `json:"server_path"`
	SleepEnabled bool   `json:"sleep_enabled"`
	SleepSeconds int    `json:"sleep_seconds"`
	AGCGain      int    `json:"agc_gain"`
	AECValue     int    `json:"aec_value"`
	FlashDuty    int    `json:"flash_duty"`
}

const (
	maxDeviceIDLen   = 20
	maxServerPathLen = 127
	minSleepSeconds  = 30
	maxAGCGain       = 30
	maxAECValue      = 1200
	maxFlashDuty     = 255
)

// Validate checks every operational bound before a write is committed.
func (o Operational) Validate() error {
	fail := func(msg string) error {
		return services.Wrap(services.ErrConfiguration, "settings", "validate", msg, nil)
	}
	if o.AGCGain < 0 || o.AGCGain > maxAGCGain {
		return fail(fmt.Sprintf("agc_gain %d outside 0..%d", o.AGCGain, maxAGCGain))
	}
	if o.AECValue < 0 || o.AECValue > maxAECValue {
		return fail(fmt.Sprintf("aec_value %d outside 0..%d", o.AECValue, maxAECValue))
	}
	if o.FlashDuty < 0 || o.FlashDuty > maxFlashDuty {
		return fail(fmt.Sprintf("flash_duty %d outside 0..%d", o.FlashDuty, maxFlashDuty))
	}
	if o.SleepSeconds < minSleepSeconds {
		return fail(fmt.Sprintf("sleep_seconds %d below minimum %d", o.SleepSeconds, minSleepSeconds))
	}
	if len(o.ServerPath) > maxServerPathLen {
		return fail(fmt.Sprintf("server_path longer than %d characters", maxServerPathLen))
	}
	if o.CopyToServer && strings.TrimSpace(o.ServerPath) == "" {
		return fail("copy_to_server requires a server_path")
	}
	return nil
}

// DefaultOperational returns the factory operational settings.
func DefaultOperational() Operational {
	return Operational{
		OCREnabled:   false,
		CopyToServer: false,
		ServerPath:   "",
		SleepEnabled: false,
		SleepSeconds: 180,
		AGCGain:      10,
		AECValue:     500,
		FlashDuty:    100,
	}
}

// DefaultRegion returns the factory region for a device slot.
func DefaultRegion(key string) DeviceRegion {
	region := DeviceRegion{
		Type: "",
		Rect: Rect{X1: 8, Y1: 8, X2: 28, Y2: 28},
	}
	switch key {
	case Device2:
		region.ID = "2"
	default:
		region.ID = "1"
	}
	return region
}

// ValidKey reports whether key names a known device slot.
func ValidKey(key string) bool {
	return key == Device1 || key == Device2
}
