// Package haltest provides a scriptable in-memory hal.System for tests.
package haltest

import (
	"fmt"
	"sync"

	"github.com/petems/tapcap/internal/hal"
)

// Device is one entry in the fake's device table.
type Device struct {
	ID             hal.AudioObjectID
	UID            string
	OutputChannels int

	// QueryFails makes property reads on this device return an OSError.
	QueryFails bool
}

// Fake implements hal.System against an in-memory device table. Zero
// value is usable; add devices with AddDevice. All methods are
// goroutine-safe. Every call is appended to Calls so tests can assert
// on ordering.
type Fake struct {
	mu sync.Mutex

	devices    []Device
	defaultDev hal.AudioObjectID

	nextID   uint32
	nextProc uint32

	taps       map[hal.AudioObjectID]hal.TapDescription
	aggregates map[hal.AudioObjectID]hal.AggregateDescription
	ioProcs    map[hal.IOProcID]ioProcEntry
	started    map[hal.IOProcID]bool

	// Failure injection. A nonzero status makes the corresponding call
	// fail with that OSStatus.
	FailTapCreate       hal.OSStatus
	FailTapFormat       hal.OSStatus
	FailAggregateCreate hal.OSStatus
	FailCreateIOProc    hal.OSStatus
	FailStartDevice     hal.OSStatus

	// Format is returned by TapStreamFormat. Defaults to 48kHz stereo
	// interleaved float32.
	Format hal.StreamFormat

	Calls []string
}

type ioProcEntry struct {
	device hal.AudioObjectID
	fn     hal.IOProc
}

// New returns a Fake with the default stream format.
func New() *Fake {
	return &Fake{
		Format: hal.StreamFormat{
			SampleRate:  48000,
			Channels:    2,
			Encoding:    hal.EncodingFloat32,
			Interleaved: true,
		},
	}
}

// AddDevice appends a device to the table and returns its ID.
func (f *Fake) AddDevice(d Device) hal.AudioObjectID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == hal.Unknown {
		d.ID = f.allocID()
	}
	f.devices = append(f.devices, d)
	return d.ID
}

// SetDefaultOutput marks which device DefaultOutputDevice returns.
func (f *Fake) SetDefaultOutput(id hal.AudioObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultDev = id
}

func (f *Fake) allocID() hal.AudioObjectID {
	f.nextID++
	return hal.AudioObjectID(100 + f.nextID)
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) CreateProcessTap(desc hal.TapDescription) (hal.AudioObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateProcessTap")
	if f.FailTapCreate != 0 {
		return hal.Unknown, &hal.OSError{Op: "CreateProcessTap", Status: f.FailTapCreate}
	}
	id := f.allocID()
	if f.taps == nil {
		f.taps = make(map[hal.AudioObjectID]hal.TapDescription)
	}
	f.taps[id] = desc
	return id, nil
}

func (f *Fake) DestroyProcessTap(tap hal.AudioObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DestroyProcessTap(%d)", tap)
	if _, ok := f.taps[tap]; !ok {
		return &hal.OSError{Op: "DestroyProcessTap", Status: -1}
	}
	delete(f.taps, tap)
	return nil
}

func (f *Fake) TapStreamFormat(tap hal.AudioObjectID) (hal.StreamFormat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TapStreamFormat(%d)", tap)
	if f.FailTapFormat != 0 {
		return hal.StreamFormat{}, &hal.OSError{Op: "TapStreamFormat", Status: f.FailTapFormat}
	}
	if _, ok := f.taps[tap]; !ok {
		return hal.StreamFormat{}, &hal.OSError{Op: "TapStreamFormat", Status: -1}
	}
	return f.Format, nil
}

func (f *Fake) CreateAggregateDevice(desc hal.AggregateDescription) (hal.AudioObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateAggregateDevice")
	if f.FailAggregateCreate != 0 {
		return hal.Unknown, &hal.OSError{Op: "CreateAggregateDevice", Status: f.FailAggregateCreate}
	}
	id := f.allocID()
	if f.aggregates == nil {
		f.aggregates = make(map[hal.AudioObjectID]hal.AggregateDescription)
	}
	f.aggregates[id] = desc
	return id, nil
}

func (f *Fake) DestroyAggregateDevice(device hal.AudioObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DestroyAggregateDevice(%d)", device)
	if _, ok := f.aggregates[device]; !ok {
		return &hal.OSError{Op: "DestroyAggregateDevice", Status: -1}
	}
	delete(f.aggregates, device)
	return nil
}

func (f *Fake) CreateIOProc(device hal.AudioObjectID, fn hal.IOProc) (hal.IOProcID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateIOProc(%d)", device)
	if f.FailCreateIOProc != 0 {
		return 0, &hal.OSError{Op: "CreateIOProc", Status: f.FailCreateIOProc}
	}
	if _, ok := f.aggregates[device]; !ok {
		return 0, &hal.OSError{Op: "CreateIOProc", Status: -1}
	}
	f.nextProc++
	proc := hal.IOProcID(f.nextProc)
	if f.ioProcs == nil {
		f.ioProcs = make(map[hal.IOProcID]ioProcEntry)
	}
	f.ioProcs[proc] = ioProcEntry{device: device, fn: fn}
	return proc, nil
}

func (f *Fake) DestroyIOProc(device hal.AudioObjectID, proc hal.IOProcID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DestroyIOProc(%d)", device)
	if _, ok := f.ioProcs[proc]; !ok {
		return &hal.OSError{Op: "DestroyIOProc", Status: -1}
	}
	delete(f.ioProcs, proc)
	delete(f.started, proc)
	return nil
}

func (f *Fake) StartDevice(device hal.AudioObjectID, proc hal.IOProcID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartDevice(%d)", device)
	if f.FailStartDevice != 0 {
		return &hal.OSError{Op: "StartDevice", Status: f.FailStartDevice}
	}
	if _, ok := f.ioProcs[proc]; !ok {
		return &hal.OSError{Op: "StartDevice", Status: -1}
	}
	if f.started == nil {
		f.started = make(map[hal.IOProcID]bool)
	}
	f.started[proc] = true
	return nil
}

func (f *Fake) StopDevice(device hal.AudioObjectID, proc hal.IOProcID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopDevice(%d)", device)
	delete(f.started, proc)
	return nil
}

func (f *Fake) Devices() ([]hal.AudioObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]hal.AudioObjectID, 0, len(f.devices))
	for _, d := range f.devices {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (f *Fake) DefaultOutputDevice() (hal.AudioObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.defaultDev == hal.Unknown {
		return hal.Unknown, &hal.OSError{Op: "DefaultOutputDevice", Status: -1}
	}
	return f.defaultDev, nil
}

func (f *Fake) DeviceUID(device hal.AudioObjectID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == device {
			if d.QueryFails {
				return "", &hal.OSError{Op: "DeviceUID", Status: -1}
			}
			return d.UID, nil
		}
	}
	return "", &hal.OSError{Op: "DeviceUID", Status: -1}
}

func (f *Fake) DeviceOutputChannels(device hal.AudioObjectID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == device {
			if d.QueryFails {
				return 0, &hal.OSError{Op: "DeviceOutputChannels", Status: -1}
			}
			return d.OutputChannels, nil
		}
	}
	return 0, &hal.OSError{Op: "DeviceOutputChannels", Status: -1}
}

// DeliverBuffer invokes every IO proc whose device has been started,
// synchronously on the caller's goroutine. Tests use it to simulate
// hardware periods.
func (f *Fake) DeliverBuffer(buf hal.Buffer) {
	f.mu.Lock()
	var fns []hal.IOProc
	for proc, entry := range f.ioProcs {
		if f.started[proc] {
			fns = append(fns, entry.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(buf)
	}
}

// TriggerInvalidation fires the OnInvalidated handler of every live
// aggregate, simulating the device dying out from under the consumer.
func (f *Fake) TriggerInvalidation() {
	f.mu.Lock()
	var handlers []func()
	for _, desc := range f.aggregates {
		if desc.OnInvalidated != nil {
			handlers = append(handlers, desc.OnInvalidated)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// TapCount reports live (created, not yet destroyed) taps.
func (f *Fake) TapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.taps)
}

// AggregateCount reports live aggregate devices.
func (f *Fake) AggregateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aggregates)
}

// IOProcCount reports live IO procs.
func (f *Fake) IOProcCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ioProcs)
}

// CallCount returns how many recorded calls have the given prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// LastAggregate returns the most recently created aggregate's
// description for assertions on its flags and sub-devices.
func (f *Fake) LastAggregate() (hal.AggregateDescription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, desc := range f.aggregates {
		return desc, true
	}
	return hal.AggregateDescription{}, false
}
