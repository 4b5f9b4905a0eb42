package feeder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		out  outcome
		to   State
	}{
		{StateInit, outOK, StateRunning},
		{StateInit, outFatal, StateFailed},
		{StateRunning, outOK, StateRunning},
		{StateRunning, outRetry, StateRunning},
		{StateRunning, outExhausted, StateDone},
		{StateRunning, outStopped, StateDone},
		{StateRunning, outFatal, StateFailed},
	}

	for _, tt := range tests {
		got, err := transition(tt.from, tt.out)
		require.NoError(t, err, "%s + %s", tt.from, tt.out)
		assert.Equal(t, tt.to, got, "%s + %s", tt.from, tt.out)
	}

	for _, s := range []State{StateUnknown, StateDone, StateFailed} {
		_, err := transition(s, outOK)
		assert.Error(t, err, "from %s", s)
	}

	_, err := transition(StateInit, outExhausted)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "State(99)", State(99).String())
}

func TestErrorIs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindQuery, Shard: "1.moray", Err: cause})

	assert.True(t, errors.Is(err, ErrQuery))
	assert.False(t, errors.Is(err, ErrInit))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "wrapped: shard 1.moray: query error: boom", err.Error())
	assert.Equal(t, "checkpoint error", ErrCheckpoint.Error())

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "1.moray", fe.Shard)
}
