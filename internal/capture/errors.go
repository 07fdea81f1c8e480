package capture

import "fmt"

// Kind classifies session start failures.
type Kind int

const (
	KindFormatUnavailable Kind = iota + 1
	KindFileCreation
)

func (k Kind) String() string {
	switch k {
	case KindFormatUnavailable:
		return "stream format unavailable"
	case KindFileCreation:
		return "output file creation failed"
	default:
		return "unknown"
	}
}

// Error is a classified session failure wrapping the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %v", e.Msg, e.Err)
	}
	return "capture: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
