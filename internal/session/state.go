package session

import "errors"

// State is the lifecycle state of the controller.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// active reports whether a session owns (or is acquiring) capture.
func (s State) active() bool {
	return s == Starting || s == Recording || s == Restarting
}

var (
	// ErrPrecondition is wrapped by every start-time capability check.
	ErrPrecondition = errors.New("session precondition failed")

	ErrNoCapture    = preconditionError("no capture source configured")
	ErrNoRecognizer = preconditionError("no recognizer configured")

	ErrAlreadyRecording = errors.New("session already recording")
	ErrNotRecording     = errors.New("session not recording")
	ErrStartAborted     = errors.New("session stopped while starting")
)

type precondition struct {
	msg string
}

func preconditionError(msg string) error {
	return &precondition{msg: msg}
}

func (e *precondition) Error() string { return e.msg }

func (e *precondition) Unwrap() error { return ErrPrecondition }
