// Package scoring turns a metrics snapshot into a 0-100 maintenance score.
//
// Every function in this package is pure: the caller passes the reference
// time and the profile explicitly, so identical arguments always reproduce
// identical results.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

// Tier is the expected-activity classification of a repository.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Category is the user-facing band of a final score.
type Category string

const (
	CategoryHealthy   Category = "healthy"
	CategoryModerate  Category = "moderate"
	CategoryDeclining Category = "declining"
	CategoryInactive  Category = "inactive"
)

// Anchor is one breakpoint of a piecewise-linear table.
type Anchor struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Weights are the relative importances of the five quality signals. Only
// their ratios matter.
type Weights struct {
	IssueHealth     float64 `yaml:"issue_health"`
	ReleaseHealth   float64 `yaml:"release_health"`
	Community       float64 `yaml:"community"`
	Maturity        float64 `yaml:"maturity"`
	ActivityBreadth float64 `yaml:"activity_breadth"`
}

// IssueHealthConfig scores open-issue ratio and resolution speed.
type IssueHealthConfig struct {
	OpenRatioWeight  float64  `yaml:"open_ratio_weight"`
	ResolutionWeight float64  `yaml:"resolution_weight"`
	OpenRatio        []Anchor `yaml:"open_ratio"`      // open issues percent -> score
	ResolutionDays   []Anchor `yaml:"resolution_days"` // median days to close -> score
	UnknownOpenRatio float64  `yaml:"unknown_open_ratio"`
}

// ReleaseConfig scores release cadence, recency and regularity.
type ReleaseConfig struct {
	WindowDays               int      `yaml:"window_days"`
	Cadence                  []Anchor `yaml:"cadence"` // releases per year -> score
	Recency                  []Anchor `yaml:"recency"` // days since last release -> multiplier
	MinReleasesForRegularity int      `yaml:"min_releases_for_regularity"`
	RegularityFloor          float64  `yaml:"regularity_floor"`
}

// CommunityConfig scores star count on a log scale.
type CommunityConfig struct {
	Stars []Anchor `yaml:"stars"`
}

// MaturityConfig scores repository age in years.
type MaturityConfig struct {
	AgeYears     []Anchor `yaml:"age_years"`
	UnknownScore float64  `yaml:"unknown_score"`
}

// TierThresholds is one bundle of any-of criteria.
type TierThresholds struct {
	CommitsLast90Days     int `yaml:"commits_last_90_days"`
	MergedPRsLast90Days   int `yaml:"merged_prs_last_90_days"`
	IssuesCreatedLastYear int `yaml:"issues_created_last_year"`
	OpenPRsCount          int `yaml:"open_prs_count"`
	Stars                 int `yaml:"stars"`
}

// TierCriteria holds the high and medium bundles; anything else is low.
type TierCriteria struct {
	High   TierThresholds `yaml:"high"`
	Medium TierThresholds `yaml:"medium"`
}

// FreshnessStep applies Multiplier to every day count up to MaxDays.
type FreshnessStep struct {
	MaxDays    float64 `yaml:"max_days" json:"maxDays"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// FreshnessConfig holds the ordered step list per tier.
type FreshnessConfig struct {
	High   []FreshnessStep `yaml:"high"`
	Medium []FreshnessStep `yaml:"medium"`
	Low    []FreshnessStep `yaml:"low"`
}

// Steps returns the step list for tier.
func (f FreshnessConfig) Steps(tier Tier) []FreshnessStep {
	switch tier {
	case TierHigh:
		return f.High
	case TierMedium:
		return f.Medium
	default:
		return f.Low
	}
}

// HardCap limits the score of a high-tier repository once it has been quiet
// for more than AfterDays.
type HardCap struct {
	AfterDays int `yaml:"after_days" json:"afterDays"`
	MaxScore  int `yaml:"max_score" json:"maxScore"`
}

// CategoryThresholds are inclusive lower edges of each band.
type CategoryThresholds struct {
	Healthy   int `yaml:"healthy"`
	Moderate  int `yaml:"moderate"`
	Declining int `yaml:"declining"`
}

// Profile is a named, versioned scoring configuration. Treat it as an
// immutable value; DefaultProfile returns a fresh copy each call.
type Profile struct {
	Name            string             `yaml:"name"`
	Version         int                `yaml:"version"`
	Weights         Weights            `yaml:"weights"`
	IssueHealth     IssueHealthConfig  `yaml:"issue_health"`
	Release         ReleaseConfig      `yaml:"release"`
	Community       CommunityConfig    `yaml:"community"`
	Maturity        MaturityConfig     `yaml:"maturity"`
	ActivityBreadth []float64          `yaml:"activity_breadth"` // indexed by channel count 0..3
	Tiers           TierCriteria       `yaml:"tiers"`
	Freshness       FreshnessConfig    `yaml:"freshness"`
	HardCaps        []HardCap          `yaml:"hard_caps"`
	Categories      CategoryThresholds `yaml:"categories"`
}

// ID returns name@version.
func (p Profile) ID() string {
	return fmt.Sprintf("%s@%d", p.Name, p.Version)
}

// DefaultProfileName is used when no profile is configured.
const DefaultProfileName = "default"

// maxFreshnessDrop bounds the multiplier drop between consecutive steps.
const maxFreshnessDrop = 0.025

// DefaultProfile returns the default scoring profile.
func DefaultProfile() Profile {
	return Profile{
		Name:    DefaultProfileName,
		Version: 1,
		Weights: Weights{
			IssueHealth:     0.25,
			ReleaseHealth:   0.20,
			Community:       0.20,
			Maturity:        0.10,
			ActivityBreadth: 0.25,
		},
		IssueHealth: IssueHealthConfig{
			OpenRatioWeight:  0.5,
			ResolutionWeight: 0.5,
			OpenRatio: []Anchor{
				{X: 20, Y: 1.0},
				{X: 35, Y: 0.7},
				{X: 50, Y: 0.4},
				{X: 70, Y: 0.15},
				{X: 90, Y: 0},
			},
			ResolutionDays: []Anchor{
				{X: 7, Y: 1.0},
				{X: 14, Y: 0.7},
				{X: 30, Y: 0.4},
				{X: 60, Y: 0.15},
				{X: 120, Y: 0},
			},
			UnknownOpenRatio: 0.5,
		},
		Release: ReleaseConfig{
			WindowDays: 365,
			Cadence: []Anchor{
				{X: 0, Y: 0},
				{X: 2, Y: 0.4},
				{X: 4, Y: 0.7},
				{X: 12, Y: 1.0},
			},
			Recency: []Anchor{
				{X: 0, Y: 1.0},
				{X: 180, Y: 0.85},
				{X: 365, Y: 0.6},
				{X: 730, Y: 0.3},
			},
			MinReleasesForRegularity: 3,
			RegularityFloor:          0.6,
		},
		Community: CommunityConfig{
			Stars: []Anchor{
				{X: 1, Y: 0},
				{X: 10, Y: 0.1},
				{X: 100, Y: 0.3},
				{X: 1000, Y: 0.55},
				{X: 5000, Y: 0.8},
				{X: 25000, Y: 1.0},
			},
		},
		Maturity: MaturityConfig{
			AgeYears: []Anchor{
				{X: 0, Y: 0},
				{X: 1, Y: 0.35},
				{X: 2, Y: 0.6},
				{X: 4, Y: 0.85},
				{X: 7, Y: 1.0},
			},
			UnknownScore: 0.5,
		},
		ActivityBreadth: []float64{0, 0.4, 0.75, 1.0},
		Tiers: TierCriteria{
			High: TierThresholds{
				CommitsLast90Days:     30,
				MergedPRsLast90Days:   10,
				IssuesCreatedLastYear: 50,
				OpenPRsCount:          10,
				Stars:                 1000,
			},
			Medium: TierThresholds{
				CommitsLast90Days:     5,
				MergedPRsLast90Days:   2,
				IssuesCreatedLastYear: 10,
				OpenPRsCount:          3,
				Stars:                 100,
			},
		},
		Freshness: FreshnessConfig{
			High:   rampSteps(30, 365, 0.05, maxFreshnessDrop),
			Medium: rampSteps(60, 540, 0.15, maxFreshnessDrop),
			Low:    rampSteps(180, 1095, 0.30, maxFreshnessDrop),
		},
		HardCaps: []HardCap{
			{AfterDays: 180, MaxScore: 60},
			{AfterDays: 365, MaxScore: 20},
		},
		Categories: CategoryThresholds{
			Healthy:   70,
			Moderate:  45,
			Declining: 20,
		},
	}
}

// ProfileByName returns a built-in profile.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case "", DefaultProfileName:
		return DefaultProfile(), nil
	default:
		return Profile{}, fmt.Errorf("unknown scoring profile %q", name)
	}
}

// rampSteps keeps the multiplier at 1 through fullDays, then lowers it in
// equal decrements of at most maxDrop until it reaches floor at floorDays.
// The final step covers every larger day count.
func rampSteps(fullDays, floorDays int, floor, maxDrop float64) []FreshnessStep {
	n := int(math.Ceil((1-floor)/maxDrop - 1e-9))
	steps := make([]FreshnessStep, 0, n+2)
	steps = append(steps, FreshnessStep{MaxDays: float64(fullDays), Multiplier: 1})
	span := float64(floorDays - fullDays)
	for i := 1; i <= n; i++ {
		frac := float64(i) / float64(n)
		steps = append(steps, FreshnessStep{
			MaxDays:    float64(fullDays) + math.Round(span*frac),
			Multiplier: math.Round((1-(1-floor)*frac)*1e4) / 1e4,
		})
	}
	return append(steps, FreshnessStep{MaxDays: math.Inf(1), Multiplier: floor})
}

// Validate checks structural invariants of the profile.
func (p Profile) Validate() error {
	var errs []error
	w := p.Weights
	for name, v := range map[string]float64{
		"issue_health":     w.IssueHealth,
		"release_health":   w.ReleaseHealth,
		"community":        w.Community,
		"maturity":         w.Maturity,
		"activity_breadth": w.ActivityBreadth,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weight %s must not be negative", name))
		}
	}
	if w.IssueHealth+w.ReleaseHealth+w.Community+w.Maturity+w.ActivityBreadth <= 0 {
		errs = append(errs, errors.New("weights must sum to a positive value"))
	}
	if p.IssueHealth.OpenRatioWeight+p.IssueHealth.ResolutionWeight <= 0 {
		errs = append(errs, errors.New("issue health split weights must sum to a positive value"))
	}
	if len(p.ActivityBreadth) != 4 {
		errs = append(errs, fmt.Errorf("activity_breadth must have exactly 4 entries, got %d", len(p.ActivityBreadth)))
	}
	for name, table := range map[string][]Anchor{
		"issue_health.open_ratio":      p.IssueHealth.OpenRatio,
		"issue_health.resolution_days": p.IssueHealth.ResolutionDays,
		"release.cadence":              p.Release.Cadence,
		"release.recency":              p.Release.Recency,
		"community.stars":              p.Community.Stars,
		"maturity.age_years":           p.Maturity.AgeYears,
	} {
		if err := validateAnchors(table); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		if err := validateSteps(p.Freshness.Steps(tier)); err != nil {
			errs = append(errs, fmt.Errorf("freshness.%s: %w", tier, err))
		}
	}
	for i := 1; i < len(p.HardCaps); i++ {
		if p.HardCaps[i].AfterDays <= p.HardCaps[i-1].AfterDays {
			errs = append(errs, errors.New("hard_caps must be ordered by after_days"))
			break
		}
	}
	c := p.Categories
	if !(c.Healthy >= c.Moderate && c.Moderate >= c.Declining) {
		errs = append(errs, errors.New("category thresholds must be non-increasing"))
	}
	return errors.Join(errs...)
}

func validateAnchors(anchors []Anchor) error {
	if len(anchors) < 2 {
		return errors.New("at least two anchors are required")
	}
	for i := 1; i < len(anchors); i++ {
		if anchors[i].X <= anchors[i-1].X {
			return fmt.Errorf("anchor %d is not strictly increasing in x", i)
		}
	}
	return nil
}

func validateSteps(steps []FreshnessStep) error {
	if len(steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].MaxDays <= steps[i-1].MaxDays {
			return fmt.Errorf("step %d max_days is not increasing", i)
		}
		if steps[i].Multiplier > steps[i-1].Multiplier {
			return fmt.Errorf("step %d multiplier increases", i)
		}
		if drop := steps[i-1].Multiplier - steps[i].Multiplier; drop > maxFreshnessDrop+1e-9 {
			return fmt.Errorf("step %d multiplier drops by %.3f, more than %.3f", i, drop, maxFreshnessDrop)
		}
	}
	if !math.IsInf(steps[len(steps)-1].MaxDays, 1) {
		return errors.New("final step must cover all remaining days (max_days: .inf)")
	}
	return nil
}
