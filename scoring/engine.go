package scoring

import (
	"math"
	"time"
)

// Breakdown explains why a score landed where it did.
type Breakdown struct {
	Archived            bool           `json:"archived"`
	Tier                Tier           `json:"tier,omitempty"`
	DaysSinceActivity   *int           `json:"daysSinceActivity"`
	Signals             QualitySignals `json:"signals"`
	Quality             int            `json:"quality"`
	FreshnessMultiplier float64        `json:"freshnessMultiplier"`
	RawScore            int            `json:"rawScore"`
	HardCap             *HardCap       `json:"hardCap,omitempty"`
}

// Result is the engine output.
type Result struct {
	Score     int       `json:"score"`
	Category  Category  `json:"category"`
	Profile   string    `json:"profile"`
	Breakdown Breakdown `json:"breakdown"`
}

// CalculateScore composes signals, quality and freshness into a final score.
func CalculateScore(in Input, now time.Time, p Profile) Result {
	if in.IsArchived {
		return Result{
			Score:     0,
			Category:  CategoryInactive,
			Profile:   p.ID(),
			Breakdown: Breakdown{Archived: true},
		}
	}

	tier := ExpectedActivityTier(in, p.Tiers)
	days := DaysSince(MostRecentActivityDate(in), now)

	signals := Quality(in, now, p)
	multiplier := FreshnessMultiplier(days, tier, p.Freshness)

	raw := int(math.Min(100, math.Round(float64(signals.Quality)*multiplier)))
	final, hardCap := ApplyHardCaps(raw, tier, days, p.HardCaps)

	return Result{
		Score:    final,
		Category: CategoryFromScore(final, p.Categories),
		Profile:  p.ID(),
		Breakdown: Breakdown{
			Tier:                tier,
			DaysSinceActivity:   days,
			Signals:             signals,
			Quality:             signals.Quality,
			FreshnessMultiplier: multiplier,
			RawScore:            raw,
			HardCap:             hardCap,
		},
	}
}
