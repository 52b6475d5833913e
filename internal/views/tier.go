package views

import "github.com/roach88/pushdash/internal/model"

// Tier is an affiliate's purchase-based level.
type Tier string

const (
	TierEntry Tier = "entry"
	TierMid   Tier = "mid"
	TierHigh  Tier = "high"
)

// Default tier thresholds.
const (
	DefaultMidTier  = 20
	DefaultHighTier = 100
)

// Thresholds are the purchase counts at which Mid and High begin.
type Thresholds struct {
	Mid  int
	High int
}

// DefaultThresholds returns 20/100.
func DefaultThresholds() Thresholds {
	return Thresholds{Mid: DefaultMidTier, High: DefaultHighTier}
}

// ThresholdsFrom reads thresholds from settings, falling back to defaults for unset values.
func ThresholdsFrom(s model.Settings) Thresholds {
	t := DefaultThresholds()
	if s.MidTier > 0 {
		t.Mid = s.MidTier
	}
	if s.HighTier > 0 {
		t.High = s.HighTier
	}
	return t
}

// Classify maps a purchase count to a tier.
func Classify(purchaseCount int, t Thresholds) Tier {
	switch {
	case purchaseCount >= t.High:
		return TierHigh
	case purchaseCount >= t.Mid:
		return TierMid
	default:
		return TierEntry
	}
}
