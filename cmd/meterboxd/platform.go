package main

import (
	"meterbox/internal/camera"
	"meterbox/internal/power"
)

// newSensor selects the camera driver. The appliance image links a real
// driver here; development hosts fall back to the simulated sensor.
func newSensor() (camera.Sensor, camera.Flash) {
	return camera.NewSimulatedSensor(), camera.NopFlash{}
}

// newSuspender selects the platform suspend implementation.
func newSuspender() power.Suspender {
	return power.NewSystemSuspender()
}
