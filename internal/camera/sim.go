package camera

import (
	"context"
	"sync"
)

// simImage is a minimal JPEG stream: enough for the pipeline to treat the
// frame as a real artifact.
var simImage = []byte{
	0xFF, 0xD8, // SOI
	0xFF, 0xFE, 0x00, 0x10, // COM segment
	's', 'i', 'm', 'u', 'l', 'a', 't', 'e', 'd', ' ', 'f', 'r', 'a', 'm',
	0xFF, 0xD9, // EOI
}

// SimulatedSensor synthesizes frames on hosts without the appliance sensor.
// It honors the Sensor contract so the rest of the daemon runs unchanged.
type SimulatedSensor struct {
	mu     sync.Mutex
	params Params
	closed bool
}

func NewSimulatedSensor() *SimulatedSensor {
	return &SimulatedSensor{}
}

func (s *SimulatedSensor) Configure(params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	return nil
}

func (s *SimulatedSensor) Acquire(context.Context) (Frame, error) {
	return simFrame{data: simImage}, nil
}

func (s *SimulatedSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type simFrame struct{ data []byte }

func (f simFrame) Bytes() []byte { return f.data }
func (f simFrame) Release()      {}

// NopFlash satisfies Flash on hosts without an illumination LED.
type NopFlash struct{}

func (NopFlash) Set(int) error { return nil }
