package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want ErrorKind
	}{
		{"429 rate limit", ErrorRateLimited},
		{"HTTP 429: Too Many Requests", ErrorRateLimited},
		{"Rate Limit exceeded, try later", ErrorRateLimited},
		{"upstream RATE_LIMIT", ErrorRateLimited},
		{"HTTP 500: boom", ErrorServer},
		{"HTTP429", ErrorRateLimited},
		{"status=429Too Many Requests", ErrorRateLimited},
		{"port 14290 refused", ErrorRateLimited},
		{"HTTP 503: try later", ErrorServer},
		{"", ErrorServer},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.text), tt.text)
	}
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, State{Phase: PhaseIdle, Kind: ErrorNone}, m.State())

	require.NoError(t, m.Send("hi", true))
	assert.Equal(t, PhaseSending, m.State().Phase)
	assert.Equal(t, RetryContext{LastUserMessage: "hi", LastSearchFlag: true, LastErrorKind: ErrorNone}, m.RetryContext())

	require.NoError(t, m.Complete())
	assert.Equal(t, PhaseCompleted, m.State().Phase)
	assert.Equal(t, "hi", m.RetryContext().LastUserMessage)

	rc, err := m.Regenerate()
	require.NoError(t, err)
	assert.Equal(t, "hi", rc.LastUserMessage)
	assert.True(t, rc.LastSearchFlag)
	assert.Equal(t, PhaseSending, m.State().Phase)
}

func TestMachineFailureAndRetry(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Send("hi", false))

	kind, err := m.Fail("429 rate limit")
	require.NoError(t, err)
	assert.Equal(t, ErrorRateLimited, kind)
	assert.Equal(t, State{Phase: PhaseFailed, Kind: ErrorRateLimited}, m.State())
	assert.Equal(t, ErrorRateLimited, m.RetryContext().LastErrorKind)

	_, err = m.Regenerate()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rc, err := m.Retry()
	require.NoError(t, err)
	assert.Equal(t, "hi", rc.LastUserMessage)

	require.NoError(t, m.Complete())
	assert.Equal(t, ErrorNone, m.RetryContext().LastErrorKind)
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine()

	_, err := m.Retry()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Regenerate()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, m.Complete(), ErrInvalidTransition)
	_, err = m.Fail("x")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.Send("a", false))
	assert.ErrorIs(t, m.Send("b", false), ErrInvalidTransition)
	_, err = m.Retry()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "a", m.RetryContext().LastUserMessage)
}

func TestMachineResetForgetsRetryContext(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Send("hi", true))
	_, err := m.Fail("HTTP 500: boom")
	require.NoError(t, err)

	m.Reset()
	assert.Equal(t, State{Phase: PhaseIdle, Kind: ErrorNone}, m.State())
	assert.Equal(t, RetryContext{LastErrorKind: ErrorNone}, m.RetryContext())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "failed(rateLimited)", State{Phase: PhaseFailed, Kind: ErrorRateLimited}.String())
	assert.Equal(t, "sending", State{Phase: PhaseSending}.String())
}
