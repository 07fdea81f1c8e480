// Package hal defines the contract between the capture core and the
// operating system's audio hardware abstraction layer.
//
// The core never talks to audio hardware directly. It drives a System,
// which owns process taps, aggregate devices and IO procs. Handles are
// opaque AudioObjectIDs valid only between successful creation and
// destruction; Unknown is the invalid sentinel.
package hal

import "fmt"

// AudioObjectID identifies a tap, device or other object owned by the
// audio subsystem.
type AudioObjectID uint32

// Unknown is the invalid AudioObjectID sentinel.
const Unknown AudioObjectID = 0

// IOProcID identifies a registered IO callback on a device.
type IOProcID uint32

// OSStatus is the raw status code returned by the audio subsystem.
type OSStatus int32

// Encoding describes how samples are represented on the wire.
type Encoding string

const (
	EncodingFloat32 Encoding = "float32"
	EncodingPCM16   Encoding = "pcm16"
)

// StreamFormat is the negotiated format of a tap's stream. It is read
// once after tap creation and is immutable for the tap's lifetime.
type StreamFormat struct {
	SampleRate  float64
	Channels    int
	Encoding    Encoding
	Interleaved bool
}

// Buffer is one hardware period of interleaved samples delivered to an
// IOProc. The slice is owned by the engine and is only valid for the
// duration of the callback.
type Buffer struct {
	Samples  []float32
	Frames   int
	Channels int
}

// IOProc is invoked by the engine once per hardware period, on a
// goroutine the consumer does not control. It must not block on locks
// held by slow-path code.
type IOProc func(buf Buffer)

// TapDescription configures a process tap. ID must be unique per
// created tap.
type TapDescription struct {
	ID        uint64
	Name      string
	Processes []int32

	// SystemWide taps the mix of all current processes rather than a
	// single one.
	SystemWide bool
}

// AggregateDescription configures a virtual aggregate device hosting a
// tap and routing through real output hardware.
type AggregateDescription struct {
	Name          string
	UID           string
	MainSubDevice string
	SubDevices    []string
	TapID         AudioObjectID

	Private           bool
	Stacked           bool
	AutoStart         bool
	DriftCompensation bool

	// OnInvalidated, if non-nil, is invoked by the engine when the
	// aggregate or its tap dies out from under the consumer (device
	// unplugged, tapped process exited). It may be called from any
	// goroutine, at most once.
	OnInvalidated func()
}

// System is the audio subsystem. Implementations: the real OS binding,
// the portaudio loopback engine, and the test fake.
type System interface {
	CreateProcessTap(desc TapDescription) (AudioObjectID, error)
	DestroyProcessTap(tap AudioObjectID) error
	TapStreamFormat(tap AudioObjectID) (StreamFormat, error)

	CreateAggregateDevice(desc AggregateDescription) (AudioObjectID, error)
	DestroyAggregateDevice(device AudioObjectID) error

	CreateIOProc(device AudioObjectID, fn IOProc) (IOProcID, error)
	DestroyIOProc(device AudioObjectID, proc IOProcID) error
	StartDevice(device AudioObjectID, proc IOProcID) error
	StopDevice(device AudioObjectID, proc IOProcID) error

	Devices() ([]AudioObjectID, error)
	DefaultOutputDevice() (AudioObjectID, error)
	DeviceUID(device AudioObjectID) (string, error)
	DeviceOutputChannels(device AudioObjectID) (int, error)
}

// OSError carries the raw subsystem status code for a failed call.
type OSError struct {
	Op     string
	Status OSStatus
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%s: OSStatus %d", e.Op, e.Status)
}
