package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(TaskQueued, TaskRunning))
	assert.True(t, CanTransition(TaskQueued, TaskCanceled))
	assert.True(t, CanTransition(TaskRunning, TaskCompleted))
	assert.True(t, CanTransition(TaskRunning, TaskFailed))
	assert.True(t, CanTransition(TaskRunning, TaskCanceled))

	assert.False(t, CanTransition(TaskQueued, TaskCompleted))
	assert.False(t, CanTransition(TaskQueued, TaskFailed))
	assert.False(t, CanTransition(TaskCompleted, TaskCanceled))
	assert.False(t, CanTransition(TaskFailed, TaskRunning))
	assert.False(t, CanTransition(TaskCanceled, TaskRunning))
}

func TestTaskState_Terminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCanceled.Terminal())
	assert.False(t, TaskQueued.Terminal())
	assert.False(t, TaskRunning.Terminal())
}

func TestHealth_Worse(t *testing.T) {
	assert.Equal(t, HealthRed, HealthGreen.Worse(HealthRed))
	assert.Equal(t, HealthAmber, HealthGreen.Worse(HealthAmber))
	assert.Equal(t, HealthGreen, HealthGreen.Worse(HealthGreen))
	assert.Equal(t, HealthRed, HealthRed.Worse(HealthAmber))
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindRPM))
	assert.True(t, ValidKind(KindContainer))
	assert.False(t, ValidKind(Kind("cheese")))
}
