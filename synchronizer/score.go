package synchronizer

import (
	"math"
	"strconv"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// Weights combine the three quality components.
type Weights struct {
	Strength  float64
	Stability float64
	Recency   float64
}

// Scorer turns warehouse signals into scored patterns.
type Scorer struct {
	Weights Weights
	// StrengthScale is the observation count at which strength reaches
	// 1-1/e.
	StrengthScale float64
	// RecencyHalfLife halves the recency component per elapsed period since
	// the last observation.
	RecencyHalfLife time.Duration
}

// Score returns the quality of sig at now in [0,1].
func (s Scorer) Score(sig core.Signal, now time.Time) float64 {
	w := s.Weights
	return core.ClampUnit(w.Strength*s.strength(sig) + w.Stability*stability(sig) + w.Recency*s.recency(sig, now))
}

func (s Scorer) strength(sig core.Signal) float64 {
	scale := s.StrengthScale
	if scale <= 0 {
		scale = 1
	}
	return 1 - math.Exp(-float64(sig.Count)/scale)
}

// stability grows with the number of distinct active days. For recurring
// purchases it also rewards regular intervals (low coefficient of
// variation).
func stability(sig core.Signal) float64 {
	if sig.ActiveDays <= 1 {
		return 0
	}
	spread := 1 - math.Exp(-float64(sig.ActiveDays-1)/2)
	recurring := sig.Kind == core.Reorders || sig.Kind == core.RegularlyBuys
	if !recurring || sig.Count < 3 || sig.MeanIntervalDays <= 0 {
		return spread
	}
	regularity := 1 / (1 + sig.IntervalStdDevDays/sig.MeanIntervalDays)
	return (spread + regularity) / 2
}

func (s Scorer) recency(sig core.Signal, now time.Time) float64 {
	if s.RecencyHalfLife <= 0 {
		return 1
	}
	age := now.Sub(sig.LastSeen)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(s.RecencyHalfLife))
}

// Propose builds the candidate pattern for sig.
func (s Scorer) Propose(sig core.Signal, now time.Time) core.Pattern {
	score := s.Score(sig, now)
	edge := core.Relationship{
		SourceID:         sig.UserID,
		Kind:             sig.Kind,
		TargetID:         sig.TargetID,
		TargetType:       sig.TargetType,
		Confidence:       score,
		ObservationCount: sig.Count,
		LastObservedAt:   sig.LastSeen,
	}
	meta := map[string]string{}
	switch sig.Kind {
	case core.RegularlyBuys:
		if q := math.Round(sig.AvgQuantity); q >= 1 {
			meta[core.MetaQuantity] = strconv.Itoa(int(q))
		}
	case core.Reorders:
		if d := math.Round(sig.MeanIntervalDays); d >= 1 {
			meta[core.MetaCycleDays] = strconv.Itoa(int(d))
		}
	case core.PriceSensitive:
		if sig.MinBudget > 0 {
			meta[core.MetaBudget] = strconv.FormatFloat(sig.MinBudget, 'f', 2, 64)
		}
	}
	if len(meta) > 0 {
		edge.Metadata = meta
	}
	return core.Pattern{Edge: edge, QualityScore: score, Status: core.PatternProposed}
}
