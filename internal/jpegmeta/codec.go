// Package jpegmeta appends and recovers a JSON reading record stored after
// the JPEG end-of-image marker. The record travels inside the image file
// itself, so an artifact copied off the appliance keeps its reading.
package jpegmeta

import (
	"bytes"
	"encoding/json"

	"meterbox/internal/services"
)

// UnknownText is the reading recorded when recognition failed or was
// disabled.
const UnknownText = "N/A"

// eoi terminates every well-formed JPEG stream.
var eoi = []byte{0xFF, 0xD9}

// customMarker introduces the trailing record. 0xFF 0xFF is not a valid
// JPEG marker prefix, so decoders ignore everything from here on.
var customMarker = []byte{0xFF, 0xFF, 0xFF, 0x7B}

// Record is the reading metadata embedded in an artifact.
type Record struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
}

// Embed returns a new buffer holding the image followed by the marker and
// the encoded record. The image must end with the JPEG end-of-image marker.
func Embed(image []byte, record Record) ([]byte, error) {
	if len(image) < len(eoi) || !bytes.HasSuffix(image, eoi) {
		return nil, services.Wrap(services.ErrFormat, "jpegmeta", "embed", "image does not end with JPEG EOI", nil)
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, services.Wrap(services.ErrFormat, "jpegmeta", "embed", "encode record", err)
	}

	out := make([]byte, 0, len(image)+len(customMarker)+len(encoded))
	out = append(out, image...)
	out = append(out, customMarker...)
	out = append(out, encoded...)
	return out, nil
}

// Extract recovers the record embedded after the end-of-image marker.
// ok is false when the image carries no record; that is not an error.
// The input is never modified.
func Extract(image []byte) (Record, bool, error) {
	needle := append(append([]byte{}, eoi...), customMarker...)
	idx := bytes.Index(image, needle)
	if idx < 0 {
		return Record{}, false, nil
	}

	payload := image[idx+len(needle):]
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, services.Wrap(services.ErrFormat, "jpegmeta", "extract", "decode record", err)
	}
	return record, true, nil
}
