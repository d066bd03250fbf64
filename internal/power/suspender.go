package power

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SystemSuspender suspends through the Linux RTC wake alarm and
// /sys/power/state. It requires the daemon to run with write access to both
// sysfs nodes.
type SystemSuspender struct {
	// WakeAlarmPath defaults to /sys/class/rtc/rtc0/wakealarm.
	WakeAlarmPath string
	// StatePath defaults to /sys/power/state.
	StatePath string

	now func() time.Time
}

func NewSystemSuspender() *SystemSuspender {
	return &SystemSuspender{
		WakeAlarmPath: "/sys/class/rtc/rtc0/wakealarm",
		StatePath:     "/sys/power/state",
		now:           time.Now,
	}
}

// ArmWakeTimer programs the RTC to fire after d. A pending alarm is cleared
// first; the RTC rejects reprogramming an armed alarm.
func (s *SystemSuspender) ArmWakeTimer(d time.Duration) error {
	if err := os.WriteFile(s.WakeAlarmPath, []byte("0"), 0o200); err != nil {
		return fmt.Errorf("clear wake alarm: %w", err)
	}
	at := s.now().Add(d).Unix()
	if err := os.WriteFile(s.WakeAlarmPath, []byte(strconv.FormatInt(at, 10)), 0o200); err != nil {
		return fmt.Errorf("arm wake alarm: %w", err)
	}
	return nil
}

// Suspend enters suspend-to-RAM. It returns only after wake, or with an
// error when the platform refuses.
func (s *SystemSuspender) Suspend() error {
	if err := os.WriteFile(s.StatePath, []byte("mem"), 0o200); err != nil {
		return fmt.Errorf("enter suspend: %w", err)
	}
	return nil
}
