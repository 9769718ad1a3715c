package xcmd

// State is the lifecycle state of a submitted command.
type State uint8

// Valid command states.
//
//go:generate go run golang.org/x/tools/cmd/stringer -type State -trimprefix=State
const (
	// StateNew is the zero value: built but not yet submitted.
	StateNew State = iota

	// StateQueued means the device accepted the command
	// but has not started executing it.
	StateQueued

	// StateRunning means an engine is executing the command.
	StateRunning

	// StateCompleted means execution finished successfully.
	StateCompleted

	// StateError means execution finished with a failure.
	StateError

	// StateTimeout means the caller gave up waiting.
	// The device may still retire the command later.
	StateTimeout

	// StateAbort means the command was thrown away without executing,
	// typically during device recovery.
	StateAbort
)

// Terminal reports whether s is a final state:
// a terminal command never changes state again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimeout, StateAbort:
		return true
	}
	return false
}
