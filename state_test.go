package taskmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskState(t *testing.T) {
	assert.False(t, StateInProgress.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())

	assert.Equal(t, "in_progress", StateInProgress.String())
	assert.Equal(t, "succeeded", StateSucceeded.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", TaskState(9).String())
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"async", StrategyAsync},
		{"THREAD", StrategyThread},
		{" Process ", StrategyProcess},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.True(t, got.Valid())

		back, err := ParseStrategy(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, back)
	}

	_, err := ParseStrategy("fiber")
	assert.ErrorContains(t, err, `unknown strategy "fiber"`)
	assert.False(t, Strategy(0).Valid())
	assert.Equal(t, "strategy(7)", Strategy(7).String())
}

func TestStatusAs(t *testing.T) {
	ev := Event{
		Run:    RunInfo{Name: "resize", Index: 2, Strategy: StrategyThread},
		Status: TaskStatus[any]{Data: job{Done: 3}, State: StateFailed, Progress: 0.5},
		Err:    errors.New("disk full"),
	}

	st, ok := StatusAs[job](ev)
	require.True(t, ok)
	assert.Equal(t, 3, st.Data.Done)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 0.5, st.Progress)
	assert.True(t, ev.Terminal())
	assert.Equal(t, "resize#2(thread)", ev.Run.String())

	_, ok = StatusAs[string](ev)
	assert.False(t, ok)
}
