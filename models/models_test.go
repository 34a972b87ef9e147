package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSlug(t *testing.T) {
	tests := []struct {
		name        string
		owner       string
		project     string
		expected    string
		expectedErr error
	}{
		{name: "lowercases", owner: "Golang", project: "Go", expected: "golang/go"},
		{name: "trims whitespace", owner: " spf13 ", project: "cobra\n", expected: "spf13/cobra"},
		{name: "empty owner", owner: "", project: "go", expectedErr: ErrInvalidSlug},
		{name: "slash in project", owner: "a", project: "b/c", expectedErr: ErrInvalidSlug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, full, err := NormalizeSlug(tt.owner, tt.project)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, full)
		})
	}
}

func TestParseSlug(t *testing.T) {
	owner, name, full, err := ParseSlug("Kubernetes/Kubernetes")
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", owner)
	assert.Equal(t, "kubernetes", name)
	assert.Equal(t, "kubernetes/kubernetes", full)

	_, _, _, err = ParseSlug("no-slash")
	assert.ErrorIs(t, err, ErrInvalidSlug)
}

func TestRunStateClassification(t *testing.T) {
	for _, s := range TerminalStates {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range ActiveStates {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActive(), s)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	orig := &MetricsSnapshot{
		Stars:        10,
		LastCommitAt: &now,
		Releases:     []Release{{TagName: "v1", PublishedAt: now}},
		CommitActivity: &CommitActivity{
			State:  ActivityPending,
			Weekly: []WeeklyCommits{{WeekStart: now, TotalCommits: 3}},
		},
	}

	next := orig.WithCommitActivity(CommitActivity{State: ActivityReady, Attempts: 2})
	next.Releases[0].TagName = "v2"
	*next.LastCommitAt = now.Add(time.Hour)

	assert.Equal(t, ActivityPending, orig.CommitActivity.State)
	assert.Equal(t, "v1", orig.Releases[0].TagName)
	assert.Equal(t, now, *orig.LastCommitAt)
	assert.Equal(t, ActivityReady, next.CommitActivity.State)
	assert.Equal(t, 2, next.CommitActivity.Attempts)
}

func TestRunUpdateApply(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	run := NewRun(7, now)
	retry := now.Add(5 * time.Second)
	run.NextRetryAt = &retry

	RunUpdate{
		Status:         Ptr(StatusPartial),
		RunState:       Ptr(StatePartial),
		ProgressStep:   Ptr(StepFinalize),
		AttemptCount:   Ptr(6),
		ClearNextRetry: true,
		CompletedAt:    &now,
		ErrorCode:      Ptr(CodeCommitActivityRetryLimit),
		UpdatedAt:      now,
	}.Apply(run)

	assert.Equal(t, StatePartial, run.RunState)
	assert.Equal(t, StepFinalize, run.ProgressStep)
	assert.Equal(t, 6, run.AttemptCount)
	assert.Nil(t, run.NextRetryAt)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, CodeCommitActivityRetryLimit, *run.ErrorCode)
	assert.True(t, run.IsTerminal())
}

func TestRunUpdateAllowed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	queued := NewRun(1, now)
	assert.True(t, RunUpdate{}.Allowed(queued))
	assert.True(t, RunUpdate{ExpectState: Ptr(StateQueued)}.Allowed(queued))
	assert.False(t, RunUpdate{ExpectState: Ptr(StateWaitingRetry)}.Allowed(queued))

	done := NewRun(1, now)
	done.RunState = StateComplete
	assert.False(t, RunUpdate{}.Allowed(done))
	assert.False(t, RunUpdate{ExpectState: Ptr(StateComplete)}.Allowed(done))
}

func TestRunUpdateReleaseLock(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	run := NewRun(1, now)
	run.LockToken = Ptr("worker-a")
	run.LockedAt = &now

	RunUpdate{ReleaseLock: true}.Apply(run)

	assert.Nil(t, run.LockToken)
	assert.Nil(t, run.LockedAt)
}
