// Package devices enumerates output-capable audio hardware.
package devices

import (
	"errors"
	"fmt"

	"github.com/petems/tapcap/internal/hal"
	"github.com/rs/zerolog"
)

// ErrNoDefaultDevice is returned when the system has no default output
// device configured.
var ErrNoDefaultDevice = errors.New("devices: no default output device")

// ListOutputCapable returns, in hardware order, every device exposing
// at least one output channel. Devices that error during channel-count
// inspection are logged and skipped rather than failing the listing.
func ListOutputCapable(sys hal.System, log zerolog.Logger) ([]hal.AudioObjectID, error) {
	all, err := sys.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	out := make([]hal.AudioObjectID, 0, len(all))
	for _, id := range all {
		channels, err := sys.DeviceOutputChannels(id)
		if err != nil {
			log.Warn().Uint32("device", uint32(id)).Err(err).Msg("Skipping device, channel query failed")
			continue
		}
		if channels == 0 {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// DefaultOutput returns the current default output device.
func DefaultOutput(sys hal.System) (hal.AudioObjectID, error) {
	id, err := sys.DefaultOutputDevice()
	if err != nil {
		return hal.Unknown, fmt.Errorf("%w: %w", ErrNoDefaultDevice, err)
	}
	if id == hal.Unknown {
		return hal.Unknown, ErrNoDefaultDevice
	}
	return id, nil
}

// ReadUID reads a device's stable unique identifier.
func ReadUID(sys hal.System, id hal.AudioObjectID) (string, error) {
	uid, err := sys.DeviceUID(id)
	if err != nil {
		return "", fmt.Errorf("reading UID of device %d: %w", id, err)
	}
	return uid, nil
}

// ReadChannelCount reads a device's output channel count.
func ReadChannelCount(sys hal.System, id hal.AudioObjectID) (int, error) {
	channels, err := sys.DeviceOutputChannels(id)
	if err != nil {
		return 0, fmt.Errorf("reading channel count of device %d: %w", id, err)
	}
	return channels, nil
}
