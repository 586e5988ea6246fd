package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	t.Run("Should follow the shared state machine", func(t *testing.T) {
		tests := []struct {
			from, to Status
			allowed  bool
		}{
			{StatusPending, StatusProcessing, true},
			{StatusProcessing, StatusCompleted, true},
			{StatusProcessing, StatusFailed, true},
			{StatusProcessing, StatusPaused, true},
			{StatusPaused, StatusProcessing, true},
			{StatusPending, StatusCancelled, true},
			{StatusPaused, StatusCancelled, true},
			{StatusPending, StatusCompleted, false},
			{StatusPaused, StatusCompleted, false},
			{StatusCompleted, StatusProcessing, false},
			{StatusFailed, StatusPending, false},
			{StatusCancelled, StatusPending, false},
		}

		for _, tt := range tests {
			t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
				assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
			})
		}
	})

	t.Run("Should reach statuses across skipped snapshots and accepted actions", func(t *testing.T) {
		tests := []struct {
			from, to  Status
			reachable bool
		}{
			{StatusPending, StatusPending, true},
			{StatusPending, StatusCompleted, true},
			{StatusPaused, StatusFailed, true},
			{StatusFailed, StatusPending, true},
			{StatusFailed, StatusCompleted, true},
			{StatusCompleted, StatusProcessing, false},
			{StatusCancelled, StatusPending, false},
			{StatusCompleted, StatusFailed, false},
		}

		for _, tt := range tests {
			t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
				assert.Equal(t, tt.reachable, tt.from.CanReach(tt.to))
			})
		}
	})

	t.Run("Should treat completed, failed and cancelled as terminal", func(t *testing.T) {
		assert.True(t, StatusCompleted.IsTerminal())
		assert.True(t, StatusFailed.IsTerminal())
		assert.True(t, StatusCancelled.IsTerminal())
		assert.False(t, StatusPending.IsTerminal())
		assert.False(t, StatusProcessing.IsTerminal())
		assert.False(t, StatusPaused.IsTerminal())
	})
}

func TestActionAllowedFrom(t *testing.T) {
	allowed := map[Action][]Status{
		ActionRetry:  {StatusFailed},
		ActionPause:  {StatusProcessing},
		ActionResume: {StatusPaused},
		ActionCancel: {StatusPending, StatusProcessing, StatusPaused},
	}
	all := []Status{StatusPending, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}

	for _, action := range Actions {
		for _, status := range all {
			expected := false
			for _, s := range allowed[action] {
				if s == status {
					expected = true
				}
			}
			assert.Equal(t, expected, action.AllowedFrom(status), "%s from %s", action, status)
		}
	}

	assert.False(t, Action("explode").AllowedFrom(StatusProcessing))
}

func TestActionTarget(t *testing.T) {
	t.Run("Should name the status the server reports after the action", func(t *testing.T) {
		assert.Equal(t, StatusPending, ActionRetry.Target())
		assert.Equal(t, StatusPaused, ActionPause.Target())
		assert.Equal(t, StatusPending, ActionResume.Target())
		assert.Equal(t, StatusCancelled, ActionCancel.Target())
		assert.Equal(t, Status(""), Action("explode").Target())
	})
}

func TestJobHelpers(t *testing.T) {
	articleID := int64(9)
	job := Job{
		ID:     1,
		Status: StatusProcessing,
		Tasks: []Task{
			{ID: 10, JobID: 1, TaskType: TaskTypeConversion, ArticleID: &articleID},
			{ID: 11, JobID: 1, TaskType: TaskTypeProcessAIReview},
		},
	}

	task, ok := job.FindTask(11)
	assert.True(t, ok)
	assert.Equal(t, TaskTypeProcessAIReview, task.TaskType)

	_, ok = job.FindTask(99)
	assert.False(t, ok)

	assert.True(t, job.ParallelismEditable())
	job.Status = StatusCompleted
	assert.False(t, job.ParallelismEditable())
}

func TestReportClone(t *testing.T) {
	original := Report{ID: 1, Data: map[string]interface{}{"title": "a"}}
	clone := original.Clone()
	clone.Data["title"] = "b"
	assert.Equal(t, "a", original.Data["title"])
}
