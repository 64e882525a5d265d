package chat

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Phase is the coarse state of the active turn.
type Phase int

const (
	// PhaseIdle means no turn has run since the last reset.
	PhaseIdle Phase = iota
	// PhaseSending means a stream is being applied.
	PhaseSending
	// PhaseCompleted means the last turn finished without an error.
	PhaseCompleted
	// PhaseFailed means the last turn ended with an error.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrorKind classifies the failure of the last turn.
type ErrorKind string

const (
	ErrorNone        ErrorKind = "none"
	ErrorRateLimited ErrorKind = "rateLimited"
	ErrorServer      ErrorKind = "serverError"
)

// State is the machine state. Kind is ErrorNone unless Phase is PhaseFailed.
type State struct {
	Phase Phase
	Kind  ErrorKind
}

func (s State) String() string {
	if s.Phase == PhaseFailed {
		return fmt.Sprintf("failed(%s)", s.Kind)
	}
	return s.Phase.String()
}

// RetryContext is what a retry or regenerate re-sends.
type RetryContext struct {
	LastUserMessage string
	LastSearchFlag  bool
	LastErrorKind   ErrorKind
}

// ErrInvalidTransition is returned when an action is not allowed in the
// current state, e.g. retrying while idle.
var ErrInvalidTransition = errors.New("invalid state transition")

var rateLimitMarker = regexp.MustCompile(`(?i)rate[ _-]?limit`)

// Classify maps an error text to its kind: anything mentioning HTTP 429 or a
// rate limit is rateLimited, everything else serverError.
func Classify(text string) ErrorKind {
	if strings.Contains(text, "429") || rateLimitMarker.MatchString(text) {
		return ErrorRateLimited
	}
	return ErrorServer
}

// Machine is the retry/regenerate state machine. It holds no lock; Session
// serialises access to it.
type Machine struct {
	state State
	retry RetryContext
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	m := &Machine{}
	m.Reset()
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// RetryContext returns the stored retry parameters.
func (m *Machine) RetryContext() RetryContext { return m.retry }

// Send starts a fresh turn with msg. It is rejected while a turn is in flight.
func (m *Machine) Send(msg string, search bool) error {
	if m.state.Phase == PhaseSending {
		return m.invalid("send")
	}
	m.retry = RetryContext{LastUserMessage: msg, LastSearchFlag: search, LastErrorKind: ErrorNone}
	m.state = State{Phase: PhaseSending, Kind: ErrorNone}
	return nil
}

// Retry re-sends the stored message after a failure.
func (m *Machine) Retry() (RetryContext, error) {
	if m.state.Phase != PhaseFailed {
		return RetryContext{}, m.invalid("retry")
	}
	m.state = State{Phase: PhaseSending, Kind: ErrorNone}
	return m.retry, nil
}

// Regenerate re-sends the stored message after a successful turn.
func (m *Machine) Regenerate() (RetryContext, error) {
	if m.state.Phase != PhaseCompleted || m.retry.LastUserMessage == "" {
		return RetryContext{}, m.invalid("regenerate")
	}
	m.state = State{Phase: PhaseSending, Kind: ErrorNone}
	return m.retry, nil
}

// Complete ends the turn successfully. The last user message is kept so the
// answer can be regenerated.
func (m *Machine) Complete() error {
	if m.state.Phase != PhaseSending {
		return m.invalid("complete")
	}
	m.retry.LastErrorKind = ErrorNone
	m.state = State{Phase: PhaseCompleted, Kind: ErrorNone}
	return nil
}

// Fail ends the turn with the given error text and returns its kind.
func (m *Machine) Fail(text string) (ErrorKind, error) {
	if m.state.Phase != PhaseSending {
		return ErrorNone, m.invalid("fail")
	}
	kind := Classify(text)
	m.retry.LastErrorKind = kind
	m.state = State{Phase: PhaseFailed, Kind: kind}
	return kind, nil
}

// Reset returns to idle unconditionally and forgets the retry context.
func (m *Machine) Reset() {
	m.state = State{Phase: PhaseIdle, Kind: ErrorNone}
	m.retry = RetryContext{LastErrorKind: ErrorNone}
}

func (m *Machine) invalid(action string) error {
	return fmt.Errorf("%s in state %s: %w", action, m.state, ErrInvalidTransition)
}
