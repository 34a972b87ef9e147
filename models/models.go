// Package models defines the core data structures used throughout the application.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage-neutral errors shared by every store implementation.
var (
	ErrNotFound        = errors.New("not found")
	ErrActiveRunExists = errors.New("an active run already exists for this repository")
	ErrInvalidSlug     = errors.New("invalid repository slug")
)

// Repository represents a tracked repository. FullName is the normalized
// lowercase owner/name slug.
type Repository struct {
	ID            int64     `db:"id" json:"id"`
	Owner         string    `db:"owner" json:"owner"`
	Name          string    `db:"name" json:"name"`
	FullName      string    `db:"full_name" json:"fullName"`
	DefaultBranch *string   `db:"default_branch" json:"defaultBranch,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// NormalizeSlug lowercases and validates an owner/project pair.
func NormalizeSlug(owner, project string) (string, string, string, error) {
	o := strings.ToLower(strings.TrimSpace(owner))
	p := strings.ToLower(strings.TrimSpace(project))
	if o == "" || p == "" {
		return "", "", "", fmt.Errorf("%w: owner and project are required", ErrInvalidSlug)
	}
	if strings.ContainsAny(o, "/ ") || strings.ContainsAny(p, "/ ") {
		return "", "", "", fmt.Errorf("%w: %q/%q", ErrInvalidSlug, owner, project)
	}
	return o, p, o + "/" + p, nil
}

// ParseSlug splits "owner/project" and normalizes it.
func ParseSlug(slug string) (string, string, string, error) {
	owner, project, ok := strings.Cut(slug, "/")
	if !ok {
		return "", "", "", fmt.Errorf("%w: expected owner/project, got %q", ErrInvalidSlug, slug)
	}
	return NormalizeSlug(owner, project)
}

// RunStatus is the coarse outcome shown to consumers.
type RunStatus string

const (
	StatusQueued   RunStatus = "queued"
	StatusRunning  RunStatus = "running"
	StatusPartial  RunStatus = "partial"
	StatusComplete RunStatus = "complete"
	StatusFailed   RunStatus = "failed"
)

// RunState drives the run state machine.
type RunState string

const (
	StateQueued       RunState = "queued"
	StateRunning      RunState = "running"
	StateWaitingRetry RunState = "waiting_retry"
	StateComplete     RunState = "complete"
	StateFailed       RunState = "failed"
	StatePartial      RunState = "partial"
)

// TerminalStates lists the states after which a run is immutable.
var TerminalStates = []RunState{StateComplete, StateFailed, StatePartial}

// ActiveStates lists the states covered by the one-active-run invariant.
var ActiveStates = []RunState{StateQueued, StateRunning, StateWaitingRetry}

// IsTerminal reports whether no further mutation is allowed.
func (s RunState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StatePartial
}

// IsActive reports whether the state counts toward the one-active-run invariant.
func (s RunState) IsActive() bool {
	return s == StateQueued || s == StateRunning || s == StateWaitingRetry
}

// ProgressStep is the coarse pipeline cursor used by pollers.
type ProgressStep string

const (
	StepBootstrap      ProgressStep = "bootstrap"
	StepMetrics        ProgressStep = "metrics"
	StepCommitActivity ProgressStep = "commit_activity"
	StepFinalize       ProgressStep = "finalize"
)

// ErrorCode is a short stable token consumers switch on.
type ErrorCode string

const (
	CodeCommitActivityUnavailable ErrorCode = "commit_activity_unavailable"
	CodeCommitActivityRetryLimit  ErrorCode = "commit_activity_retry_limit"
	CodeMetricsFetchFailed        ErrorCode = "metrics_fetch_failed"
	CodeAnalysisFailed            ErrorCode = "analysis_failed"
)

// Run is one attempt to assess one repository.
type Run struct {
	ID           uuid.UUID        `json:"id"`
	RepositoryID int64            `json:"repositoryId"`
	Status       RunStatus        `json:"status"`
	RunState     RunState         `json:"runState"`
	ProgressStep ProgressStep     `json:"progressStep"`
	AttemptCount int              `json:"attemptCount"`
	NextRetryAt  *time.Time       `json:"nextRetryAt,omitempty"`
	LockToken    *string          `json:"-"`
	LockedAt     *time.Time       `json:"-"`
	Metrics      *MetricsSnapshot `json:"metrics,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	ErrorCode    *ErrorCode       `json:"errorCode,omitempty"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the run has reached complete, failed or partial.
func (r *Run) IsTerminal() bool {
	return r.RunState.IsTerminal()
}

// NewRun returns a queued run at the bootstrap step.
func NewRun(repositoryID int64, now time.Time) *Run {
	return &Run{
		ID:           uuid.New(),
		RepositoryID: repositoryID,
		Status:       StatusQueued,
		RunState:     StateQueued,
		ProgressStep: StepBootstrap,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// RunUpdate carries the fields to change on a run. Nil fields are left
// untouched. ExpectState turns the update into a compare-and-swap on the
// current run state.
type RunUpdate struct {
	Status         *RunStatus
	RunState       *RunState
	ProgressStep   *ProgressStep
	AttemptCount   *int
	NextRetryAt    *time.Time
	ClearNextRetry bool
	Metrics        *MetricsSnapshot
	CompletedAt    *time.Time
	ErrorCode      *ErrorCode
	ErrorMessage   *string
	ReleaseLock    bool
	UpdatedAt      time.Time
	ExpectState    *RunState
}

// Allowed reports whether the update may be written over run: terminal runs
// are immutable and ExpectState must match when set.
func (u RunUpdate) Allowed(run *Run) bool {
	if run.IsTerminal() {
		return false
	}
	return u.ExpectState == nil || *u.ExpectState == run.RunState
}

// Apply copies the update onto run. Stores call it after deciding the update
// is allowed.
func (u RunUpdate) Apply(run *Run) {
	if u.Status != nil {
		run.Status = *u.Status
	}
	if u.RunState != nil {
		run.RunState = *u.RunState
	}
	if u.ProgressStep != nil {
		run.ProgressStep = *u.ProgressStep
	}
	if u.AttemptCount != nil {
		run.AttemptCount = *u.AttemptCount
	}
	if u.ClearNextRetry {
		run.NextRetryAt = nil
	}
	if u.NextRetryAt != nil {
		t := *u.NextRetryAt
		run.NextRetryAt = &t
	}
	if u.Metrics != nil {
		run.Metrics = u.Metrics.Clone()
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		run.CompletedAt = &t
	}
	if u.ErrorCode != nil {
		c := *u.ErrorCode
		run.ErrorCode = &c
	}
	if u.ErrorMessage != nil {
		m := *u.ErrorMessage
		run.ErrorMessage = &m
	}
	if u.ReleaseLock {
		run.LockToken = nil
		run.LockedAt = nil
	}
	if !u.UpdatedAt.IsZero() {
		run.UpdatedAt = u.UpdatedAt
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
