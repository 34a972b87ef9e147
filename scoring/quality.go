package scoring

import (
	"math"
	"sort"
	"time"
)

// QualitySignals are the five sub-signals, each in [0,1], and their
// weighted combination.
type QualitySignals struct {
	IssueHealth     float64 `json:"issueHealth"`
	ReleaseHealth   float64 `json:"releaseHealth"`
	Community       float64 `json:"community"`
	Maturity        float64 `json:"maturity"`
	ActivityBreadth float64 `json:"activityBreadth"`
	Quality         int     `json:"quality"`
}

// Quality scores the snapshot independent of how stale it is.
func Quality(in Input, now time.Time, p Profile) QualitySignals {
	s := QualitySignals{
		IssueHealth:     IssueHealth(in, p.IssueHealth),
		ReleaseHealth:   ReleaseHealth(in, now, p.Release),
		Community:       Community(in.Stars, p.Community),
		Maturity:        Maturity(in.RepoCreatedAt, now, p.Maturity),
		ActivityBreadth: ActivityBreadth(in, now, p.ActivityBreadth),
	}

	w := p.Weights
	total := w.IssueHealth + w.ReleaseHealth + w.Community + w.Maturity + w.ActivityBreadth
	if total <= 0 {
		return s
	}
	sum := s.IssueHealth*w.IssueHealth +
		s.ReleaseHealth*w.ReleaseHealth +
		s.Community*w.Community +
		s.Maturity*w.Maturity +
		s.ActivityBreadth*w.ActivityBreadth
	s.Quality = int(math.Round(100 * sum / total))
	return s
}

// IssueHealth blends the open-ratio score and the resolution-speed score.
func IssueHealth(in Input, cfg IssueHealthConfig) float64 {
	openRatio := cfg.UnknownOpenRatio
	if in.OpenIssuesPercent != nil {
		openRatio = interpolate(*in.OpenIssuesPercent, cfg.OpenRatio)
	}

	var resolution float64
	switch {
	case in.MedianIssueResolutionDays != nil:
		resolution = interpolate(*in.MedianIssueResolutionDays, cfg.ResolutionDays)
	case in.OpenIssuesCount > 0:
		// open issues with no observed resolutions
		resolution = 0
	default:
		resolution = 0.5
	}

	total := cfg.OpenRatioWeight + cfg.ResolutionWeight
	if total <= 0 {
		return 0
	}
	return clamp01((openRatio*cfg.OpenRatioWeight + resolution*cfg.ResolutionWeight) / total)
}

// ReleaseHealth multiplies cadence by recency and regularity.
func ReleaseHealth(in Input, now time.Time, cfg ReleaseConfig) float64 {
	window := cfg.WindowDays
	if window <= 0 {
		window = 365
	}

	var inWindow []time.Time
	for _, d := range in.ReleaseDates {
		if age := DaysSince(&d, now); *age <= window {
			inWindow = append(inWindow, d)
		}
	}

	perYear := float64(len(inWindow)) * 365 / float64(window)
	cadence := interpolate(perYear, cfg.Cadence)

	recency := 0.0
	if days := DaysSince(in.LastReleaseAt, now); days != nil {
		recency = interpolate(float64(*days), cfg.Recency)
	}

	regularity := 1.0
	if cfg.MinReleasesForRegularity > 0 && len(inWindow) >= cfg.MinReleasesForRegularity {
		regularity = cfg.RegularityFloor + (1-cfg.RegularityFloor)*releaseRegularity(inWindow)
	}

	return clamp01(cadence * recency * regularity)
}

// releaseRegularity returns 1 - coefficient of variation of the gaps between
// releases, clamped to [0,1].
func releaseRegularity(dates []time.Time) float64 {
	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Hours()/24)
	}
	if len(gaps) == 0 {
		return 1
	}

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return clamp01(1 - math.Sqrt(variance)/mean)
}

// Community scores star count on a log scale.
func Community(stars int, cfg CommunityConfig) float64 {
	return clamp01(interpolateLog(float64(stars), cfg.Stars))
}

// Maturity scores repository age; unknown creation dates are neutral.
func Maturity(createdAt *time.Time, now time.Time, cfg MaturityConfig) float64 {
	days := DaysSince(createdAt, now)
	if days == nil {
		return cfg.UnknownScore
	}
	return clamp01(interpolate(float64(*days)/365.25, cfg.AgeYears))
}
