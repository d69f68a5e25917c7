package chunk

import "errors"

var (
	// ErrProtocol marks a malformed node: neither terminal nor a valid Text.
	ErrProtocol = errors.New("chunk protocol violation")

	// ErrWalkInProgress is returned when Consume is called while a walk is active.
	ErrWalkInProgress = errors.New("chunk walk already in progress")
)

// RemoteError is an Error node reason that crossed the wire. Only the message survives.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote stream failed"
	}

	return e.Message
}

// PanicError wraps a panic recovered from an upstream source.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "upstream source panicked: " + errorString(e.Value)
}

func errorString(v any) string {
	switch t := v.(type) {
	case error:
		return t.Error()
	case string:
		return t
	default:
		return "unknown panic value"
	}
}
