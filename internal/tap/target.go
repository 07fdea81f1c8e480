package tap

import "fmt"

type targetKind int

const (
	targetProcess targetKind = iota
	targetSystemMix
)

// Target selects what a tap captures: the audio of one process, or the
// system output mix across all current processes. Immutable once a
// Manager is constructed with it.
type Target struct {
	kind targetKind
	pid  int32
	pids []int32
	name string
}

// Process targets a single process's audio. name is the display name
// used for status surfaces and output file naming.
func Process(pid int32, name string) Target {
	if name == "" {
		name = fmt.Sprintf("pid-%d", pid)
	}
	return Target{kind: targetProcess, pid: pid, name: name}
}

// SystemMix targets the mix of all current processes. pids carries the
// process identifiers known at construction time.
func SystemMix(pids []int32) Target {
	copied := make([]int32, len(pids))
	copy(copied, pids)
	return Target{kind: targetSystemMix, pids: copied, name: "System Audio"}
}

// DisplayName is the human-readable name of the capture target.
func (t Target) DisplayName() string { return t.name }

// SystemWide reports whether the target is the system output mix.
func (t Target) SystemWide() bool { return t.kind == targetSystemMix }

func (t Target) processes() []int32 {
	if t.kind == targetProcess {
		return []int32{t.pid}
	}
	return t.pids
}
