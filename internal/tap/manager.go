// Package tap owns the lifecycle of one OS-level process tap and the
// aggregate device that routes it through real output hardware.
//
// A Manager moves strictly forward: inactive, active, invalidated.
// Activate and Invalidate are idempotent; once invalidated a Manager is
// permanently inert and a new one must be constructed for the next
// capture. Callers serialize Activate/Run/Invalidate on one logical
// thread of control; only the engine's asynchronous invalidation
// notification may arrive concurrently.
package tap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petems/tapcap/internal/devices"
	"github.com/petems/tapcap/internal/hal"
	"github.com/rs/zerolog"
)

type state int

const (
	stateInactive state = iota
	stateActive
	stateInvalidated
)

var tapSeq atomic.Uint64

// Manager owns one tap and one aggregate device.
type Manager struct {
	sys    hal.System
	target Target
	log    zerolog.Logger

	mu        sync.Mutex
	state     state
	errMsg    string
	tap       hal.AudioObjectID
	aggregate hal.AudioObjectID
	ioProc    hal.IOProcID
	hasIOProc bool
	running   bool
	format    hal.StreamFormat
	hasFormat bool

	onInvalidated    func()
	invalidatedFired bool
}

// NewManager builds a Manager for the given capture target. The
// returned Manager owns no OS objects until Activate.
func NewManager(sys hal.System, target Target, log zerolog.Logger) *Manager {
	return &Manager{
		sys:    sys,
		target: target,
		log:    log.With().Str("target", target.DisplayName()).Logger(),
	}
}

// Activate creates the tap and aggregate device. Idempotent: a second
// call on an active manager is a no-op. Creation failures are not
// returned; they are recorded on Err because activation is fired from
// contexts that cannot await a failure. After a failed Activate the
// manager remains inactive and Invalidate still cleans up whatever
// handles were obtained.
func (m *Manager) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateActive:
		return
	case stateInvalidated:
		m.log.Warn().Msg("Activate called on invalidated manager")
		return
	}

	// A retry after a failed attempt must not leak the handles the
	// failed attempt obtained.
	m.releaseHandlesLocked()

	desc := hal.TapDescription{
		ID:         tapSeq.Add(1),
		Name:       m.target.DisplayName(),
		Processes:  m.target.processes(),
		SystemWide: m.target.SystemWide(),
	}

	tapID, err := m.sys.CreateProcessTap(desc)
	if err != nil {
		m.recordFailure(KindTapCreation, "creating process tap", err)
		return
	}
	m.tap = tapID

	outputs, err := devices.ListOutputCapable(m.sys, m.log)
	if err != nil {
		m.recordFailure(KindNoOutputDevices, "enumerating output devices", err)
		return
	}
	if len(outputs) == 0 {
		m.recordFailure(KindNoOutputDevices, "no output-capable audio devices found", nil)
		return
	}

	defaultDev, err := devices.DefaultOutput(m.sys)
	if err != nil {
		m.recordFailure(KindAggregateCreation, "resolving default output device", err)
		return
	}
	mainUID, err := devices.ReadUID(m.sys, defaultDev)
	if err != nil {
		m.recordFailure(KindAggregateCreation, "reading default device UID", err)
		return
	}

	subUIDs := make([]string, 0, len(outputs))
	for _, id := range outputs {
		uid, err := devices.ReadUID(m.sys, id)
		if err != nil {
			m.log.Warn().Uint32("device", uint32(id)).Err(err).Msg("Skipping sub-device, UID read failed")
			continue
		}
		subUIDs = append(subUIDs, uid)
	}

	aggDesc := hal.AggregateDescription{
		Name:              fmt.Sprintf("Tap-%d", desc.ID),
		UID:               fmt.Sprintf("com.petems.tapcap.aggregate-%d", desc.ID),
		MainSubDevice:     mainUID,
		SubDevices:        subUIDs,
		TapID:             tapID,
		Private:           true,
		Stacked:           false,
		AutoStart:         true,
		DriftCompensation: true,
		OnInvalidated:     m.handleEngineInvalidation,
	}

	aggID, err := m.sys.CreateAggregateDevice(aggDesc)
	if err != nil {
		m.recordFailure(KindAggregateCreation, "creating aggregate device", err)
		return
	}
	m.aggregate = aggID

	format, err := m.sys.TapStreamFormat(tapID)
	if err != nil {
		m.recordFailure(KindFormatUnavailable, "reading tap stream format", err)
		return
	}
	m.format = format
	m.hasFormat = true

	m.state = stateActive
	m.errMsg = ""
	m.log.Info().
		Float64("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("Tap activated")
}

// Run registers fn as the IO proc on the aggregate device and starts
// it. Calling Run on a manager that is not active, or that is already
// running, is a programmer error and panics. onInvalidated is invoked
// exactly once, either from Invalidate or when the engine reports the
// tap gone.
func (m *Manager) Run(fn hal.IOProc, onInvalidated func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateActive {
		panic("tap: Run called on a manager that is not active")
	}
	if m.running {
		panic("tap: Run called while already running")
	}

	m.onInvalidated = onInvalidated

	proc, err := m.sys.CreateIOProc(m.aggregate, fn)
	if err != nil {
		return m.recordFailure(KindDeviceStart, "registering IO proc", err)
	}

	if err := m.sys.StartDevice(m.aggregate, proc); err != nil {
		// Leave no IO proc attached after a failed start.
		if derr := m.sys.DestroyIOProc(m.aggregate, proc); derr != nil {
			m.log.Error().Err(derr).Msg("Destroying IO proc after failed start")
		}
		return m.recordFailure(KindDeviceStart, "starting aggregate device", err)
	}

	m.ioProc = proc
	m.hasIOProc = true
	m.running = true
	m.log.Debug().Msg("Aggregate device running")
	return nil
}

// Invalidate tears down everything the manager owns: it fires the
// stored invalidation callback, then stops the device, destroys the IO
// proc, destroys the aggregate device and destroys the tap, in that
// order. Individual step failures are logged so later steps still run.
// Idempotent, and a no-op on a manager that never obtained any handle.
// Afterwards the manager is permanently inert.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
}

func (m *Manager) invalidateLocked() {
	if m.state == stateInvalidated {
		return
	}
	if m.state != stateActive && m.tap == hal.Unknown && m.aggregate == hal.Unknown {
		// Never activated, nothing obtained.
		return
	}

	if m.onInvalidated != nil && !m.invalidatedFired {
		m.invalidatedFired = true
		m.onInvalidated()
	}

	m.releaseHandlesLocked()

	m.state = stateInvalidated
	m.log.Info().Msg("Tap invalidated")
}

// releaseHandlesLocked destroys whatever OS objects the manager holds.
// The IO proc and aggregate device always go before the tap; step
// failures are logged so later steps still run.
func (m *Manager) releaseHandlesLocked() {
	if m.running {
		if err := m.sys.StopDevice(m.aggregate, m.ioProc); err != nil {
			m.log.Error().Err(err).Msg("Stopping aggregate device")
		}
		m.running = false
	}
	if m.hasIOProc {
		if err := m.sys.DestroyIOProc(m.aggregate, m.ioProc); err != nil {
			m.log.Error().Err(err).Msg("Destroying IO proc")
		}
		m.hasIOProc = false
	}
	if m.aggregate != hal.Unknown {
		if err := m.sys.DestroyAggregateDevice(m.aggregate); err != nil {
			m.log.Error().Err(err).Msg("Destroying aggregate device")
		}
		m.aggregate = hal.Unknown
	}
	if m.tap != hal.Unknown {
		if err := m.sys.DestroyProcessTap(m.tap); err != nil {
			m.log.Error().Err(err).Msg("Destroying process tap")
		}
		m.tap = hal.Unknown
	}
}

// Close releases all owned OS objects. Safety net for managers that
// were never explicitly invalidated.
func (m *Manager) Close() error {
	m.Invalidate()
	return nil
}

// handleEngineInvalidation runs when the engine reports the tap or
// aggregate gone (device unplugged, tapped process exited). May arrive
// on any goroutine.
func (m *Manager) handleEngineInvalidation() {
	m.log.Warn().Msg("Engine reported tap invalidated")
	m.Invalidate()
}

func (m *Manager) recordFailure(kind Kind, msg string, err error) error {
	e := &Error{Kind: kind, Msg: msg, Err: err}
	m.errMsg = e.Error()
	m.log.Error().Err(err).Str("kind", kind.String()).Msg(msg)
	return e
}

// Activated reports whether the manager currently holds a live tap and
// aggregate device.
func (m *Manager) Activated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateActive
}

// Err returns the message of the last recorded failure, or "" if none.
func (m *Manager) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// Format returns the stream format negotiated from the tap. ok is
// false before a successful Activate.
func (m *Manager) Format() (hal.StreamFormat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format, m.hasFormat
}

// Running reports whether the aggregate device is delivering buffers.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// DisplayName is the capture target's display name.
func (m *Manager) DisplayName() string { return m.target.DisplayName() }
