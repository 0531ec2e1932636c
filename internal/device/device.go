// Package device connects PortAudio capture and playback streams to the
// echo-cancelling pipeline.
package device

import (
	"log"

	"github.com/gordonklaus/portaudio"
)

// Device describes an available audio device.
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Init initializes PortAudio. Call Terminate when done.
func Init() error { return portaudio.Initialize() }

// Terminate releases PortAudio.
func Terminate() error { return portaudio.Terminate() }

// ListInputs returns devices that can capture.
func ListInputs() ([]Device, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputs returns devices that can play.
func ListOutputs() ([]Device, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

// listDevices returns devices matching the given predicate.
func listDevices(match func(*portaudio.DeviceInfo) bool) ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil, err
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}
