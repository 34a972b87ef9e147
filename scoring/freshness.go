package scoring

import "math"

// FreshnessMultiplier returns the multiplier of the first step whose MaxDays
// covers days. A nil days value means no activity was ever recorded and lands
// on the final step.
func FreshnessMultiplier(days *int, tier Tier, cfg FreshnessConfig) float64 {
	steps := cfg.Steps(tier)
	if len(steps) == 0 {
		return 1
	}
	d := math.Inf(1)
	if days != nil {
		d = float64(*days)
	}
	for _, s := range steps {
		if s.MaxDays >= d {
			return s.Multiplier
		}
	}
	return steps[len(steps)-1].Multiplier
}

// ApplyHardCaps clamps a high-tier score down for every cap whose AfterDays
// is exceeded and returns the cap that last lowered it. Other tiers are
// returned unchanged.
func ApplyHardCaps(score int, tier Tier, days *int, caps []HardCap) (int, *HardCap) {
	if tier != TierHigh {
		return score, nil
	}
	var fired *HardCap
	for i := range caps {
		c := caps[i]
		if days != nil && *days <= c.AfterDays {
			continue
		}
		if score > c.MaxScore {
			score = c.MaxScore
			fired = &c
		}
	}
	return score, fired
}

// CategoryFromScore maps a score to its band; lower edges are inclusive.
func CategoryFromScore(score int, t CategoryThresholds) Category {
	switch {
	case score >= t.Healthy:
		return CategoryHealthy
	case score >= t.Moderate:
		return CategoryModerate
	case score >= t.Declining:
		return CategoryDeclining
	default:
		return CategoryInactive
	}
}
