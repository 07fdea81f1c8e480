package tap

import (
	"errors"
	"strings"
	"testing"

	"github.com/petems/tapcap/internal/hal"
	"github.com/petems/tapcap/internal/hal/haltest"
	"github.com/rs/zerolog"
)

func newTestSystem() *haltest.Fake {
	sys := haltest.New()
	id := sys.AddDevice(haltest.Device{UID: "builtin-out", OutputChannels: 2})
	sys.AddDevice(haltest.Device{UID: "hdmi-out", OutputChannels: 8})
	sys.SetDefaultOutput(id)
	return sys
}

func TestActivateCreatesTapAndAggregate(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())

	mgr.Activate()

	if !mgr.Activated() {
		t.Fatal("manager should be activated")
	}
	if msg := mgr.Err(); msg != "" {
		t.Fatalf("unexpected error message: %q", msg)
	}
	if sys.TapCount() != 1 {
		t.Fatalf("expected 1 live tap, got %d", sys.TapCount())
	}
	if sys.AggregateCount() != 1 {
		t.Fatalf("expected 1 live aggregate, got %d", sys.AggregateCount())
	}

	format, ok := mgr.Format()
	if !ok {
		t.Fatal("format should be available after activation")
	}
	if format.Channels < 1 {
		t.Fatalf("expected at least 1 channel, got %d", format.Channels)
	}
	if format.SampleRate <= 0 {
		t.Fatalf("expected positive sample rate, got %f", format.SampleRate)
	}
}

func TestActivateAggregateFlags(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, Process(1234, "Music"), zerolog.Nop())

	mgr.Activate()

	desc, ok := sys.LastAggregate()
	if !ok {
		t.Fatal("no aggregate created")
	}
	if !desc.Private {
		t.Error("aggregate should be private")
	}
	if desc.Stacked {
		t.Error("aggregate should not be stacked")
	}
	if !desc.AutoStart {
		t.Error("aggregate should auto-start")
	}
	if !desc.DriftCompensation {
		t.Error("aggregate should enable drift compensation")
	}
	if desc.TapID == hal.Unknown {
		t.Error("aggregate should reference the created tap")
	}
	if desc.MainSubDevice != "builtin-out" {
		t.Errorf("main sub-device should be the default output, got %q", desc.MainSubDevice)
	}
	if len(desc.SubDevices) != 2 {
		t.Errorf("expected 2 sub-devices, got %d", len(desc.SubDevices))
	}
}

func TestActivateIdempotent(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())

	mgr.Activate()
	mgr.Activate()

	if n := sys.CallCount("CreateProcessTap"); n != 1 {
		t.Fatalf("expected exactly 1 tap creation, got %d", n)
	}
	if n := sys.CallCount("CreateAggregateDevice"); n != 1 {
		t.Fatalf("expected exactly 1 aggregate creation, got %d", n)
	}
	if !mgr.Activated() {
		t.Fatal("manager should remain activated")
	}
}

func TestActivateNoOutputDevices(t *testing.T) {
	sys := haltest.New()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())

	mgr.Activate()

	if mgr.Activated() {
		t.Fatal("manager should not be activated")
	}
	if msg := mgr.Err(); !strings.Contains(msg, "no output-capable audio devices") {
		t.Fatalf("expected no-output-devices error, got %q", msg)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Run on a non-activated manager should panic")
		}
	}()
	mgr.Run(func(hal.Buffer) {}, nil)
}

func TestActivateTapCreationFailure(t *testing.T) {
	sys := newTestSystem()
	sys.FailTapCreate = -50
	mgr := NewManager(sys, Process(99, "Safari"), zerolog.Nop())

	mgr.Activate()

	if mgr.Activated() {
		t.Fatal("manager should not be activated")
	}
	if msg := mgr.Err(); !strings.Contains(msg, "creating process tap") {
		t.Fatalf("unexpected error message: %q", msg)
	}
	if sys.TapCount() != 0 {
		t.Fatalf("no tap should be live, got %d", sys.TapCount())
	}
}

func TestActivateAggregateFailureCleansUpOnInvalidate(t *testing.T) {
	sys := newTestSystem()
	sys.FailAggregateCreate = -38
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())

	mgr.Activate()

	if mgr.Activated() {
		t.Fatal("manager should not be activated")
	}
	// The tap from the aborted attempt is still live; invalidate is the
	// best-effort cleanup path.
	if sys.TapCount() != 1 {
		t.Fatalf("expected the orphaned tap to still exist, got %d", sys.TapCount())
	}

	mgr.Invalidate()

	if sys.TapCount() != 0 {
		t.Fatalf("invalidate should destroy the orphaned tap, got %d live", sys.TapCount())
	}
}

func TestRunRegistersAndStarts(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()

	var delivered int
	if err := mgr.Run(func(hal.Buffer) { delivered++ }, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !mgr.Running() {
		t.Fatal("manager should be running")
	}

	sys.DeliverBuffer(hal.Buffer{Samples: make([]float32, 8), Frames: 4, Channels: 2})
	if delivered != 1 {
		t.Fatalf("expected 1 delivered buffer, got %d", delivered)
	}
}

func TestRunStartFailureLeavesNoIOProc(t *testing.T) {
	sys := newTestSystem()
	sys.FailStartDevice = -66
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()

	err := mgr.Run(func(hal.Buffer) {}, nil)
	if err == nil {
		t.Fatal("expected Run to fail")
	}
	var tapErr *Error
	if !errors.As(err, &tapErr) || tapErr.Kind != KindDeviceStart {
		t.Fatalf("expected KindDeviceStart, got %v", err)
	}
	if sys.IOProcCount() != 0 {
		t.Fatalf("failed start must leave no IO proc, got %d", sys.IOProcCount())
	}
	if mgr.Running() {
		t.Fatal("manager should not be running")
	}
}

func TestRunTwicePanics(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()
	if err := mgr.Run(func(hal.Buffer) {}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("second Run should panic")
		}
	}()
	mgr.Run(func(hal.Buffer) {}, nil)
}

func TestInvalidateTeardownOrder(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()
	if err := mgr.Run(func(hal.Buffer) {}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	mgr.Invalidate()

	var order []string
	for _, c := range sys.Calls {
		switch {
		case strings.HasPrefix(c, "StopDevice"):
			order = append(order, "stop")
		case strings.HasPrefix(c, "DestroyIOProc"):
			order = append(order, "ioproc")
		case strings.HasPrefix(c, "DestroyAggregateDevice"):
			order = append(order, "aggregate")
		case strings.HasPrefix(c, "DestroyProcessTap"):
			order = append(order, "tap")
		}
	}
	want := []string{"stop", "ioproc", "aggregate", "tap"}
	if len(order) != len(want) {
		t.Fatalf("expected teardown %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("teardown step %d: expected %s, got %s (full order %v)", i, want[i], order[i], order)
		}
	}
}

func TestInvalidateFiresCallbackOnce(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()

	fired := 0
	if err := mgr.Run(func(hal.Buffer) {}, func() { fired++ }); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	mgr.Invalidate()
	mgr.Invalidate()

	if fired != 1 {
		t.Fatalf("invalidation callback should fire exactly once, fired %d times", fired)
	}
}

func TestInvalidateIdempotentAndSafeWhenNeverActivated(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())

	mgr.Invalidate()
	mgr.Invalidate()

	if len(sys.Calls) != 0 {
		t.Fatalf("invalidate on a never-activated manager should touch nothing, calls: %v", sys.Calls)
	}

	// Still usable: the no-op invalidate must not make it inert.
	mgr.Activate()
	if !mgr.Activated() {
		t.Fatal("manager should activate after a no-op invalidate")
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()
	if err := mgr.Run(func(hal.Buffer) {}, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if sys.TapCount() != 0 || sys.AggregateCount() != 0 || sys.IOProcCount() != 0 {
		t.Fatalf("Close should release everything: taps=%d aggregates=%d ioprocs=%d",
			sys.TapCount(), sys.AggregateCount(), sys.IOProcCount())
	}
}

func TestEngineInvalidationTearsDown(t *testing.T) {
	sys := newTestSystem()
	mgr := NewManager(sys, SystemMix(nil), zerolog.Nop())
	mgr.Activate()

	fired := 0
	if err := mgr.Run(func(hal.Buffer) {}, func() { fired++ }); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	sys.TriggerInvalidation()

	if fired != 1 {
		t.Fatalf("invalidation callback should have fired once, fired %d times", fired)
	}
	if mgr.Activated() || mgr.Running() {
		t.Fatal("manager should be inert after engine invalidation")
	}
	if sys.TapCount() != 0 {
		t.Fatalf("tap should be destroyed, %d live", sys.TapCount())
	}
}

func TestTargetDisplayNames(t *testing.T) {
	if got := Process(42, "Music").DisplayName(); got != "Music" {
		t.Errorf("expected Music, got %q", got)
	}
	if got := Process(42, "").DisplayName(); got != "pid-42" {
		t.Errorf("expected pid-42, got %q", got)
	}
	if got := SystemMix([]int32{1, 2}).DisplayName(); got != "System Audio" {
		t.Errorf("expected System Audio, got %q", got)
	}
}
