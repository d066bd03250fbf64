package artifacts

import (
	"fmt"
	"strconv"
	"strings"
)

// Name identifies one stored artifact. Eviction order is derived from the
// name alone: timestamp first, boot count as tiebreaker for boots without a
// synchronized clock.
type Name struct {
	DeviceID  string
	Timestamp int64
	BootCount int64
}

// String renders the canonical file name.
func (n Name) String() string {
	return fmt.Sprintf("%s_%d_%d.jpg", n.DeviceID, n.Timestamp, n.BootCount)
}

// Before reports whether n was recorded before other.
func (n Name) Before(other Name) bool {
	if n.Timestamp != other.Timestamp {
		return n.Timestamp < other.Timestamp
	}
	return n.BootCount < other.BootCount
}

// ParseName decodes a canonical artifact file name. Device ids may contain
// underscores, so the numeric fields are taken from the right.
func ParseName(filename string) (Name, bool) {
	base, found := strings.CutSuffix(filename, ".jpg")
	if !found {
		return Name{}, false
	}

	lastSep := strings.LastIndexByte(base, '_')
	if lastSep <= 0 {
		return Name{}, false
	}
	prevSep := strings.LastIndexByte(base[:lastSep], '_')
	if prevSep <= 0 {
		return Name{}, false
	}

	timestamp, err := strconv.ParseInt(base[prevSep+1:lastSep], 10, 64)
	if err != nil || timestamp < 0 {
		return Name{}, false
	}
	bootCount, err := strconv.ParseInt(base[lastSep+1:], 10, 64)
	if err != nil || bootCount < 0 {
		return Name{}, false
	}

	return Name{
		DeviceID:  base[:prevSep],
		Timestamp: timestamp,
		BootCount: bootCount,
	}, true
}
