package lifecycle

import "fmt"

// InvalidTransitionError reports a client-requested action that is not
// legal from the instance's current status.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// ValidationError reports a malformed create or start request,
// detected before any status mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// ProcessNotFoundError reports a persisted PID with no live process
// behind it.
type ProcessNotFoundError struct {
	Name string
}

func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("VM process not found for instance %q", e.Name)
}
