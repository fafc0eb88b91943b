package ivr

import "errors"

// ErrUsage signals a contradictory combination of application flags (e.g.
// PlaySoundfile called with both repeat and complete). Operations called
// after the call has hung up do not return it.
var ErrUsage = errors.New("yate/ivr: usage error")

// UsageError wraps ErrUsage with a reason.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string { return "yate/ivr: " + e.Reason }
func (e *UsageError) Unwrap() error { return ErrUsage }
