package scoring

import (
	"math"
	"time"

	"repohealth/models"
)

const day = 24 * time.Hour

// Input is the reduced snapshot view the engine scores.
type Input struct {
	IsArchived bool
	Stars      int

	RepoCreatedAt  *time.Time
	LastCommitAt   *time.Time
	LastMergedPRAt *time.Time
	LastReleaseAt  *time.Time

	OpenIssuesCount           int
	OpenIssuesPercent         *float64
	MedianIssueResolutionDays *float64

	OpenPRsCount          int
	CommitsLast90Days     int
	MergedPRsLast90Days   int
	IssuesCreatedLastYear int

	ReleaseDates []time.Time
}

// InputFromSnapshot builds an Input from a metrics snapshot.
func InputFromSnapshot(s *models.MetricsSnapshot) Input {
	if s == nil {
		return Input{}
	}
	in := Input{
		IsArchived:                s.IsArchived,
		Stars:                     s.Stars,
		RepoCreatedAt:             s.RepoCreatedAt,
		LastCommitAt:              s.LastCommitAt,
		LastMergedPRAt:            s.LastMergedPRAt,
		LastReleaseAt:             s.LastReleaseAt,
		OpenIssuesCount:           s.OpenIssuesCount,
		OpenIssuesPercent:         s.OpenIssuesPercent,
		MedianIssueResolutionDays: s.MedianIssueResolutionDays,
		OpenPRsCount:              s.OpenPRsCount,
		CommitsLast90Days:         s.CommitsLast90Days,
		MergedPRsLast90Days:       s.MergedPRsLast90Days,
		IssuesCreatedLastYear:     s.IssuesCreatedLastYear,
	}
	for _, r := range s.Releases {
		in.ReleaseDates = append(in.ReleaseDates, r.PublishedAt)
	}
	if in.LastReleaseAt == nil {
		for i := range in.ReleaseDates {
			if in.LastReleaseAt == nil || in.ReleaseDates[i].After(*in.LastReleaseAt) {
				in.LastReleaseAt = &in.ReleaseDates[i]
			}
		}
	}
	return in
}

// MostRecentActivityDate returns the latest of the last commit, merged PR and
// release dates, or nil when none is known.
func MostRecentActivityDate(in Input) *time.Time {
	var latest *time.Time
	for _, t := range []*time.Time{in.LastCommitAt, in.LastMergedPRAt, in.LastReleaseAt} {
		if t == nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	return latest
}

// DaysSince returns whole days elapsed between t and now. A nil t yields nil;
// dates after now count as zero days.
func DaysSince(t *time.Time, now time.Time) *int {
	if t == nil {
		return nil
	}
	d := int(math.Floor(now.Sub(*t).Hours() / 24))
	if d < 0 {
		d = 0
	}
	return &d
}

// ActivityChannels counts how many of commit, merged PR and release happened
// within the trailing 365 days.
func ActivityChannels(in Input, now time.Time) int {
	n := 0
	for _, t := range []*time.Time{in.LastCommitAt, in.LastMergedPRAt, in.LastReleaseAt} {
		if d := DaysSince(t, now); d != nil && *d <= 365 {
			n++
		}
	}
	return n
}

// ActivityBreadth maps the channel count through the profile's 4-entry table.
func ActivityBreadth(in Input, now time.Time, table []float64) float64 {
	n := ActivityChannels(in, now)
	if n >= len(table) {
		return 0
	}
	return table[n]
}

// ExpectedActivityTier classifies a repository as high if it meets any high
// threshold, else medium if it meets any medium threshold, else low.
func ExpectedActivityTier(in Input, criteria TierCriteria) Tier {
	switch {
	case meetsAny(in, criteria.High):
		return TierHigh
	case meetsAny(in, criteria.Medium):
		return TierMedium
	default:
		return TierLow
	}
}

func meetsAny(in Input, t TierThresholds) bool {
	return in.CommitsLast90Days >= t.CommitsLast90Days ||
		in.MergedPRsLast90Days >= t.MergedPRsLast90Days ||
		in.IssuesCreatedLastYear >= t.IssuesCreatedLastYear ||
		in.OpenPRsCount >= t.OpenPRsCount ||
		in.Stars >= t.Stars
}

// interpolate evaluates a piecewise-linear table at x, clamping outside the
// first and last anchors.
func interpolate(x float64, anchors []Anchor) float64 {
	if len(anchors) == 0 {
		return 0
	}
	if x <= anchors[0].X {
		return anchors[0].Y
	}
	last := anchors[len(anchors)-1]
	if x >= last.X {
		return last.Y
	}
	for i := 1; i < len(anchors); i++ {
		lo, hi := anchors[i-1], anchors[i]
		if x <= hi.X {
			t := (x - lo.X) / (hi.X - lo.X)
			return lo.Y + t*(hi.Y-lo.Y)
		}
	}
	return last.Y
}

// interpolateLog is interpolate on log10 of both x and the anchor positions.
func interpolateLog(x float64, anchors []Anchor) float64 {
	logged := make([]Anchor, len(anchors))
	for i, a := range anchors {
		logged[i] = Anchor{X: math.Log10(math.Max(a.X, 1)), Y: a.Y}
	}
	return interpolate(math.Log10(math.Max(x, 1)), logged)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
