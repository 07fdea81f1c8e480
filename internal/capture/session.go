// Package capture binds a tap manager to a recording destination and
// turns delivered buffers into a WAV file plus a live loudness meter.
package capture

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/tapcap/internal/hal"
	"github.com/petems/tapcap/internal/tap"
	"github.com/rs/zerolog"
)

// StatusListener receives state pushes from a session. SetRecording
// and SetIdle run on the caller's goroutine; LoudnessChanged is
// delivered asynchronously, off the buffer path, and may drop
// intermediate values under load.
type StatusListener interface {
	SetRecording()
	SetIdle()
	LoudnessChanged(level float64)
}

// Session owns one recording destination. It holds a non-owning
// reference to a tap.Manager; the manager's lifetime belongs to
// whoever constructed it, and every access handles the manager being
// gone. Start and Stop are serialized by the caller; the buffer and
// invalidation callbacks may arrive concurrently from the engine.
type Session struct {
	mgr *tap.Manager
	dir string
	log zerolog.Logger

	mu        sync.Mutex
	recording bool
	sink      *wavSink
	filePath  string
	startedAt time.Time

	loudnessBits atomic.Uint64

	listener  StatusListener
	levels    chan float64
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession builds a session recording into dir. mgr may be nil if
// the manager is already gone; Start will then fail cleanly.
func NewSession(mgr *tap.Manager, dir string, log zerolog.Logger) *Session {
	return &Session{
		mgr:    mgr,
		dir:    dir,
		log:    log,
		levels: make(chan float64, 1),
		done:   make(chan struct{}),
	}
}

// SetListener registers the status listener and starts the loudness
// notifier. Call before Start.
func (s *Session) SetListener(l StatusListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	go s.notifyLoop(l)
}

func (s *Session) notifyLoop(l StatusListener) {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.levels:
			l.LoudnessChanged(v)
		}
	}
}

// Start activates the bound manager if needed, opens the output file
// with the negotiated format and begins receiving buffers. A no-op
// with a warning if already recording. Any failure reverts the session
// to idle and is returned.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.recording {
		s.mu.Unlock()
		s.log.Warn().Msg("Start called while already recording")
		return nil
	}
	s.recording = true
	s.mu.Unlock()

	err := s.startPipeline()
	if err != nil {
		s.mu.Lock()
		s.recording = false
		sink := s.sink
		s.sink = nil
		s.mu.Unlock()
		if sink != nil {
			if cerr := sink.close(); cerr != nil {
				s.log.Error().Err(cerr).Msg("Closing output file after failed start")
			}
		}
		return err
	}

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.SetRecording()
	}
	return nil
}

func (s *Session) startPipeline() error {
	if s.mgr == nil {
		return &Error{Kind: KindFormatUnavailable, Msg: "tap manager is gone"}
	}

	if !s.mgr.Activated() {
		s.mgr.Activate()
		if msg := s.mgr.Err(); msg != "" {
			return fmt.Errorf("activating tap: %s", msg)
		}
		if !s.mgr.Activated() {
			return fmt.Errorf("activating tap: manager did not activate")
		}
	}

	format, ok := s.mgr.Format()
	if !ok {
		return &Error{Kind: KindFormatUnavailable, Msg: "tap reported no stream format"}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &Error{Kind: KindFileCreation, Msg: "creating output directory", Err: err}
	}

	name := fmt.Sprintf("%s-%s.wav", sanitizeFileName(s.mgr.DisplayName()), time.Now().Format("20060102-150405"))
	path := filepath.Join(s.dir, name)

	sink, err := newWavSink(path, format)
	if err != nil {
		return &Error{Kind: KindFileCreation, Msg: "opening output file", Err: err}
	}

	s.mu.Lock()
	s.sink = sink
	s.filePath = path
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.mgr.Run(s.onBuffer, s.onTapInvalidated); err != nil {
		return err
	}

	s.log.Info().
		Str("file", path).
		Float64("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("Recording started")
	return nil
}

// onBuffer runs on the engine's delivery goroutine once per hardware
// period. It must degrade gracefully: a buffer arriving after Stop is
// treated as silence, a malformed or unwritable buffer is logged and
// skipped, and recording continues either way.
func (s *Session) onBuffer(buf hal.Buffer) {
	s.mu.Lock()
	sink := s.sink
	if sink == nil {
		// Race between Stop clearing the file and an in-flight buffer.
		s.mu.Unlock()
		s.publishLoudness(0)
		return
	}
	if buf.Channels <= 0 || len(buf.Samples) < buf.Frames*buf.Channels {
		s.mu.Unlock()
		s.log.Warn().Int("frames", buf.Frames).Int("channels", buf.Channels).Msg("Dropping malformed buffer")
		s.publishLoudness(0)
		return
	}

	level := rmsLoudness(buf, loudnessGain)
	if err := sink.write(buf); err != nil {
		s.log.Error().Err(err).Msg("Buffer write failed")
		level = 0
	}
	s.mu.Unlock()

	s.publishLoudness(level)
}

// Stop ends the recording: loudness drops to zero, the session goes
// idle, the bound manager is invalidated and the output file is
// closed. A no-op if not recording. If the manager is already gone the
// open file is simply closed.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return
	}
	s.recording = false
	sink := s.sink
	s.sink = nil
	frames := uint64(0)
	if sink != nil {
		frames = sink.frames
	}
	path := s.filePath
	started := s.startedAt
	l := s.listener
	s.mu.Unlock()

	s.publishLoudness(0)
	if l != nil {
		l.SetIdle()
	}

	if s.mgr != nil {
		s.mgr.Invalidate()
	}

	if sink != nil {
		if err := sink.close(); err != nil {
			s.log.Error().Err(err).Msg("Closing output file")
		}
	}

	s.log.Info().
		Str("file", path).
		Uint64("frames", frames).
		Dur("duration", time.Since(started)).
		Msg("Recording stopped")
}

// onTapInvalidated runs when the manager is torn down, either from
// Stop (in which case the session is already idle and this is a no-op)
// or asynchronously because the tap died. The partially-written file
// is closed intact.
func (s *Session) onTapInvalidated() {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return
	}
	s.recording = false
	sink := s.sink
	s.sink = nil
	l := s.listener
	s.mu.Unlock()

	if sink != nil {
		if err := sink.close(); err != nil {
			s.log.Error().Err(err).Msg("Closing output file after tap invalidation")
		}
	}

	s.publishLoudness(0)
	if l != nil {
		l.SetIdle()
	}
	s.log.Warn().Msg("Tap invalidated while recording, session is now idle")
}

// Close stops any active recording and shuts down the loudness
// notifier.
func (s *Session) Close() error {
	s.Stop()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Session) publishLoudness(v float64) {
	s.loudnessBits.Store(math.Float64bits(v))
	select {
	case s.levels <- v:
	default:
		// Drop under load; the meter catches up on the next buffer.
	}
}

// Recording reports whether the session is currently capturing.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Loudness returns the current loudness scalar in [0,1]. Zero unless
// recording.
func (s *Session) Loudness() float64 {
	return math.Float64frombits(s.loudnessBits.Load())
}

// FilePath returns the path of the current (or last) output file.
func (s *Session) FilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filePath
}

// FramesWritten reports how many frames the active recording has
// persisted so far. Zero when idle.
func (s *Session) FramesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return 0
	}
	return s.sink.frames
}

func sanitizeFileName(name string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	cleaned := r.Replace(strings.TrimSpace(name))
	if cleaned == "" {
		return "capture"
	}
	return cleaned
}
