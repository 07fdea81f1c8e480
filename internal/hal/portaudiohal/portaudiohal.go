// Package portaudiohal implements hal.System on top of PortAudio for
// hosts without native process-tap support.
//
// PortAudio cannot tap an arbitrary process, so only system-wide
// targets are supported, captured through a loopback/monitor input
// device (BlackHole, PulseAudio monitor, Stereo Mix and friends). A
// tap maps to that input device, the aggregate device to an opened
// stream, and the IO proc to the read loop delivering buffers to the
// registered callback.
package portaudiohal

import (
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/tapcap/internal/hal"
	"github.com/rs/zerolog"
)

const framesPerBuffer = 512

// Status codes reported through hal.OSError.
const (
	statusUnsupported      hal.OSStatus = -4
	statusNotFound         hal.OSStatus = -2
	statusStreamFailed     hal.OSStatus = -10851
	statusNoLoopbackDevice hal.OSStatus = -88
)

var loopbackHints = []string{"loopback", "monitor", "blackhole", "soundflower", "stereo mix", "what u hear"}

type tapState struct {
	desc   hal.TapDescription
	device *portaudio.DeviceInfo
}

type aggState struct {
	desc hal.AggregateDescription
}

type procState struct {
	aggregate hal.AudioObjectID
	fn        hal.IOProc
	stream    *portaudio.Stream
	stop      chan struct{}
	done      chan struct{}
}

// Engine is a PortAudio-backed hal.System.
type Engine struct {
	log             zerolog.Logger
	preferredDevice string

	mu         sync.Mutex
	devices    []*portaudio.DeviceInfo
	nextID     uint32
	nextProc   uint32
	taps       map[hal.AudioObjectID]tapState
	aggregates map[hal.AudioObjectID]aggState
	procs      map[hal.IOProcID]*procState
}

// New initializes PortAudio and snapshots the device table.
// preferredDevice, if non-empty, names the loopback input device to
// capture from instead of autodetecting one.
func New(preferredDevice string, log zerolog.Logger) (*Engine, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &hal.OSError{Op: "Initialize", Status: statusStreamFailed}
	}
	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return nil, &hal.OSError{Op: "Devices", Status: statusStreamFailed}
	}
	return &Engine{
		log:             log,
		preferredDevice: preferredDevice,
		devices:         devices,
		taps:            make(map[hal.AudioObjectID]tapState),
		aggregates:      make(map[hal.AudioObjectID]aggState),
		procs:           make(map[hal.IOProcID]*procState),
	}, nil
}

// Close terminates PortAudio. Live streams must be stopped first via
// the owning manager's invalidate.
func (e *Engine) Close() error {
	portaudio.Terminate()
	return nil
}

func (e *Engine) allocID() hal.AudioObjectID {
	e.nextID++
	// Device table IDs occupy 1..len(devices); object IDs start above.
	return hal.AudioObjectID(uint32(len(e.devices)) + e.nextID)
}

func (e *Engine) deviceByID(id hal.AudioObjectID) *portaudio.DeviceInfo {
	idx := int(id) - 1
	if idx < 0 || idx >= len(e.devices) {
		return nil
	}
	return e.devices[idx]
}

func (e *Engine) CreateProcessTap(desc hal.TapDescription) (hal.AudioObjectID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !desc.SystemWide {
		// Tapping a single process needs OS support PortAudio lacks.
		return hal.Unknown, &hal.OSError{Op: "CreateProcessTap", Status: statusUnsupported}
	}

	device := e.findLoopbackDevice()
	if device == nil {
		return hal.Unknown, &hal.OSError{Op: "CreateProcessTap", Status: statusNoLoopbackDevice}
	}

	id := e.allocID()
	e.taps[id] = tapState{desc: desc, device: device}
	e.log.Debug().Str("device", device.Name).Msg("Loopback capture device selected")
	return id, nil
}

func (e *Engine) findLoopbackDevice() *portaudio.DeviceInfo {
	if e.preferredDevice != "" {
		for _, d := range e.devices {
			if d.MaxInputChannels > 0 && strings.EqualFold(d.Name, e.preferredDevice) {
				return d
			}
		}
	}
	for _, d := range e.devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		name := strings.ToLower(d.Name)
		for _, hint := range loopbackHints {
			if strings.Contains(name, hint) {
				return d
			}
		}
	}
	return nil
}

func (e *Engine) DestroyProcessTap(tap hal.AudioObjectID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.taps[tap]; !ok {
		return &hal.OSError{Op: "DestroyProcessTap", Status: statusNotFound}
	}
	delete(e.taps, tap)
	return nil
}

func (e *Engine) TapStreamFormat(tap hal.AudioObjectID) (hal.StreamFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.taps[tap]
	if !ok {
		return hal.StreamFormat{}, &hal.OSError{Op: "TapStreamFormat", Status: statusNotFound}
	}
	channels := t.device.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	return hal.StreamFormat{
		SampleRate:  t.device.DefaultSampleRate,
		Channels:    channels,
		Encoding:    hal.EncodingFloat32,
		Interleaved: true,
	}, nil
}

func (e *Engine) CreateAggregateDevice(desc hal.AggregateDescription) (hal.AudioObjectID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.taps[desc.TapID]; !ok {
		return hal.Unknown, &hal.OSError{Op: "CreateAggregateDevice", Status: statusNotFound}
	}
	id := e.allocID()
	e.aggregates[id] = aggState{desc: desc}
	return id, nil
}

func (e *Engine) DestroyAggregateDevice(device hal.AudioObjectID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.aggregates[device]; !ok {
		return &hal.OSError{Op: "DestroyAggregateDevice", Status: statusNotFound}
	}
	delete(e.aggregates, device)
	return nil
}

func (e *Engine) CreateIOProc(device hal.AudioObjectID, fn hal.IOProc) (hal.IOProcID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.aggregates[device]; !ok {
		return 0, &hal.OSError{Op: "CreateIOProc", Status: statusNotFound}
	}
	e.nextProc++
	proc := hal.IOProcID(e.nextProc)
	e.procs[proc] = &procState{aggregate: device, fn: fn}
	return proc, nil
}

func (e *Engine) DestroyIOProc(device hal.AudioObjectID, proc hal.IOProcID) error {
	e.mu.Lock()
	p, ok := e.procs[proc]
	if !ok {
		e.mu.Unlock()
		return &hal.OSError{Op: "DestroyIOProc", Status: statusNotFound}
	}
	delete(e.procs, proc)
	e.mu.Unlock()

	e.stopProc(p)
	if p.stream != nil {
		p.stream.Close()
	}
	return nil
}

func (e *Engine) StartDevice(device hal.AudioObjectID, proc hal.IOProcID) error {
	e.mu.Lock()
	p, ok := e.procs[proc]
	if !ok {
		e.mu.Unlock()
		return &hal.OSError{Op: "StartDevice", Status: statusNotFound}
	}
	agg, ok := e.aggregates[device]
	if !ok {
		e.mu.Unlock()
		return &hal.OSError{Op: "StartDevice", Status: statusNotFound}
	}
	tapSt, ok := e.taps[agg.desc.TapID]
	if !ok {
		e.mu.Unlock()
		return &hal.OSError{Op: "StartDevice", Status: statusNotFound}
	}
	e.mu.Unlock()

	channels := tapSt.device.MaxInputChannels
	if channels > 2 {
		channels = 2
	}

	buffer := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   tapSt.device,
			Channels: channels,
			Latency:  tapSt.device.DefaultLowInputLatency,
		},
		SampleRate:      tapSt.device.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, buffer)
	if err != nil {
		return &hal.OSError{Op: "StartDevice", Status: statusStreamFailed}
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return &hal.OSError{Op: "StartDevice", Status: statusStreamFailed}
	}

	p.stream = stream
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	onInvalidated := agg.desc.OnInvalidated

	// Read loop: the consumer's IO proc runs here, once per period.
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			default:
			}
			if err := stream.Read(); err != nil {
				select {
				case <-p.stop:
					// Expected: the stream was stopped under the read.
				default:
					e.log.Warn().Err(err).Msg("Capture stream died")
					if onInvalidated != nil {
						// On a fresh goroutine: the handler tears the
						// device down and must not wait on this loop.
						go onInvalidated()
					}
				}
				return
			}
			p.fn(hal.Buffer{
				Samples:  buffer,
				Frames:   framesPerBuffer,
				Channels: channels,
			})
		}
	}()

	return nil
}

func (e *Engine) StopDevice(device hal.AudioObjectID, proc hal.IOProcID) error {
	e.mu.Lock()
	p, ok := e.procs[proc]
	e.mu.Unlock()
	if !ok {
		return &hal.OSError{Op: "StopDevice", Status: statusNotFound}
	}
	e.stopProc(p)
	return nil
}

func (e *Engine) stopProc(p *procState) {
	if p.stop == nil {
		return
	}
	select {
	case <-p.stop:
		// Already stopped.
	default:
		close(p.stop)
	}
	if p.stream != nil {
		p.stream.Stop()
	}
	<-p.done
}

func (e *Engine) Devices() ([]hal.AudioObjectID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]hal.AudioObjectID, len(e.devices))
	for i := range e.devices {
		ids[i] = hal.AudioObjectID(i + 1)
	}
	return ids, nil
}

func (e *Engine) DefaultOutputDevice() (hal.AudioObjectID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return hal.Unknown, &hal.OSError{Op: "DefaultOutputDevice", Status: statusNotFound}
	}
	for i, d := range e.devices {
		if d == def {
			return hal.AudioObjectID(i + 1), nil
		}
	}
	return hal.Unknown, &hal.OSError{Op: "DefaultOutputDevice", Status: statusNotFound}
}

func (e *Engine) DeviceUID(device hal.AudioObjectID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.deviceByID(device)
	if d == nil {
		return "", &hal.OSError{Op: "DeviceUID", Status: statusNotFound}
	}
	return d.Name, nil
}

func (e *Engine) DeviceOutputChannels(device hal.AudioObjectID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.deviceByID(device)
	if d == nil {
		return 0, &hal.OSError{Op: "DeviceOutputChannels", Status: statusNotFound}
	}
	return d.MaxOutputChannels, nil
}
