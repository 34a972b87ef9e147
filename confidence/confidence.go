// Package confidence rates how far a run's score can be trusted, based on
// data completeness, run outcome and how old the analysis is.
package confidence

import (
	"math"
	"time"

	"repohealth/models"
)

// Level is the coarse confidence band.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Penalty codes.
const (
	PenaltyNoMetrics          = "no_metrics"
	PenaltyRunFailed          = "run_failed"
	PenaltyRunPartial         = "run_partial"
	PenaltyMissingOpenRatio   = "missing_open_ratio"
	PenaltyMissingResolution  = "missing_resolution_days"
	PenaltyMissingCommits     = "missing_commit_history"
	PenaltyNoReleases         = "no_releases"
	PenaltyMergedPRsAtCap     = "merged_prs_at_page_cap"
	PenaltyIssuesCreatedAtCap = "issues_created_at_page_cap"
	PenaltyStaleAnalysis      = "stale_analysis"
)

const (
	// PageCap is the largest count a single provider page can report. A
	// counter sitting exactly at it is probably truncated.
	PageCap = 100

	highThreshold   = 85
	mediumThreshold = 60

	staleGraceDays   = 7
	staleHorizonDays = 30
	staleMaxPenalty  = 25

	multipleGapsSummary = "Multiple data gaps reduce confidence in this score."
)

var penaltyPoints = map[string]int{
	PenaltyRunFailed:          40,
	PenaltyRunPartial:         20,
	PenaltyMissingOpenRatio:   10,
	PenaltyMissingResolution:  8,
	PenaltyMissingCommits:     12,
	PenaltyNoReleases:         8,
	PenaltyMergedPRsAtCap:     8,
	PenaltyIssuesCreatedAtCap: 8,
}

var penaltyReasons = map[string]string{
	PenaltyNoMetrics:          "No metrics available",
	PenaltyRunFailed:          "Analysis run failed",
	PenaltyRunPartial:         "Analysis completed with partial data",
	PenaltyMissingOpenRatio:   "Open issue ratio is unknown",
	PenaltyMissingResolution:  "Issue resolution time is unknown",
	PenaltyMissingCommits:     "No commit history found",
	PenaltyNoReleases:         "No releases published",
	PenaltyMergedPRsAtCap:     "Merged pull request count may be truncated",
	PenaltyIssuesCreatedAtCap: "Issue count may be truncated",
	PenaltyStaleAnalysis:      "Analysis is out of date",
}

// MetricsView is the slice of a snapshot the estimator looks at.
type MetricsView struct {
	OpenIssuesPercent         *float64
	MedianIssueResolutionDays *float64
	HasCommitHistory          bool
	ReleaseCount              int
	MergedPRsLast90Days       int
	IssuesCreatedLastYear     int
}

// Input is everything Evaluate needs.
type Input struct {
	Status      models.RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Metrics     *MetricsView
}

// Penalty is one triggered deduction.
type Penalty struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Points int    `json:"points"`
}

// Result is the estimator output.
type Result struct {
	Score     int       `json:"score"`
	Level     Level     `json:"level"`
	Penalties []Penalty `json:"penalties"`
	Summary   *string   `json:"summary"`
}

// InputFromRun builds an Input from a persisted run.
func InputFromRun(run *models.Run) Input {
	in := Input{
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if m := run.Metrics; m != nil {
		releases := len(m.Releases)
		if releases == 0 && m.LastReleaseAt != nil {
			releases = 1
		}
		in.Metrics = &MetricsView{
			OpenIssuesPercent:         m.OpenIssuesPercent,
			MedianIssueResolutionDays: m.MedianIssueResolutionDays,
			HasCommitHistory:          m.LastCommitAt != nil,
			ReleaseCount:              releases,
			MergedPRsLast90Days:       m.MergedPRsLast90Days,
			IssuesCreatedLastYear:     m.IssuesCreatedLastYear,
		}
	}
	return in
}

// Evaluate scores the input at now.
func Evaluate(in Input, now time.Time) Result {
	if in.Metrics == nil {
		p := Penalty{Code: PenaltyNoMetrics, Reason: penaltyReasons[PenaltyNoMetrics], Points: 100}
		return Result{
			Score:     0,
			Level:     LevelLow,
			Penalties: []Penalty{p},
			Summary:   &p.Reason,
		}
	}

	var penalties []Penalty
	add := func(code string) {
		penalties = append(penalties, Penalty{Code: code, Reason: penaltyReasons[code], Points: penaltyPoints[code]})
	}

	switch in.Status {
	case models.StatusFailed:
		add(PenaltyRunFailed)
	case models.StatusPartial:
		add(PenaltyRunPartial)
	}

	m := in.Metrics
	if m.OpenIssuesPercent == nil {
		add(PenaltyMissingOpenRatio)
	}
	if m.MedianIssueResolutionDays == nil {
		add(PenaltyMissingResolution)
	}
	if !m.HasCommitHistory {
		add(PenaltyMissingCommits)
	}
	if m.ReleaseCount == 0 {
		add(PenaltyNoReleases)
	}
	if m.MergedPRsLast90Days == PageCap {
		add(PenaltyMergedPRsAtCap)
	}
	if m.IssuesCreatedLastYear == PageCap {
		add(PenaltyIssuesCreatedAtCap)
	}

	reference := in.StartedAt
	if in.CompletedAt != nil {
		reference = *in.CompletedAt
	}
	if points := StalenessPenalty(now.Sub(reference)); points > 0 {
		penalties = append(penalties, Penalty{
			Code:   PenaltyStaleAnalysis,
			Reason: penaltyReasons[PenaltyStaleAnalysis],
			Points: points,
		})
	}

	score := 100
	for _, p := range penalties {
		score -= p.Points
	}
	if score < 0 {
		score = 0
	}

	return Result{
		Score:     score,
		Level:     LevelFromScore(score),
		Penalties: penalties,
		Summary:   summarize(penalties),
	}
}

// StalenessPenalty grows linearly from zero at the grace period to the
// maximum at the horizon and stays flat after it.
func StalenessPenalty(age time.Duration) int {
	days := age.Hours() / 24
	if days <= staleGraceDays {
		return 0
	}
	if days >= staleHorizonDays {
		return staleMaxPenalty
	}
	frac := (days - staleGraceDays) / (staleHorizonDays - staleGraceDays)
	return int(math.Round(frac * staleMaxPenalty))
}

// LevelFromScore maps a confidence score to its level.
func LevelFromScore(score int) Level {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func summarize(penalties []Penalty) *string {
	switch len(penalties) {
	case 0:
		return nil
	case 1:
		s := penalties[0].Reason
		return &s
	default:
		s := multipleGapsSummary
		return &s
	}
}
