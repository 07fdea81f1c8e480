package tap

import "fmt"

// Kind classifies manager failures so callers can branch without
// matching on message text.
type Kind int

const (
	KindTapCreation Kind = iota + 1
	KindNoOutputDevices
	KindAggregateCreation
	KindDeviceStart
	KindFormatUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTapCreation:
		return "tap creation failed"
	case KindNoOutputDevices:
		return "no output devices"
	case KindAggregateCreation:
		return "aggregate device creation failed"
	case KindDeviceStart:
		return "device start failed"
	case KindFormatUnavailable:
		return "stream format unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified manager failure wrapping the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tap: %s: %v", e.Msg, e.Err)
	}
	return "tap: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
