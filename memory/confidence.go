package memory

import (
	"math"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// Rules is the confidence rule set shared by every MemoryStore backend.
//
//   - Corroboration moves confidence towards Cap: c' = c + delta*(Cap-c).
//     Repeated positive observations increase confidence monotonically and
//     never exceed Cap.
//   - Contradiction (delta < 0) moves confidence towards 0: c' = c + delta*c.
//   - Absence decays confidence: once an edge has not been observed for
//     longer than DecayWindow, its effective confidence halves every
//     HalfLife beyond the window.
//
// All results are clamped to [0,1].
type Rules struct {
	Cap         float64
	DecayWindow time.Duration
	HalfLife    time.Duration
}

// DefaultRules mirror the defaults of config.MemoryConfig.
var DefaultRules = Rules{
	Cap:         0.95,
	DecayWindow: 30 * 24 * time.Hour,
	HalfLife:    60 * 24 * time.Hour,
}

// Corroborate applies one observation of strength delta in [-1,1].
func (r Rules) Corroborate(c, delta float64) float64 {
	c = core.ClampUnit(c)
	if delta > 1 {
		delta = 1
	}
	if delta < -1 {
		delta = -1
	}
	if delta >= 0 {
		if c >= r.Cap {
			return c
		}
		return core.ClampUnit(c + delta*(r.Cap-c))
	}
	return core.ClampUnit(c + delta*c)
}

// Effective returns the decayed confidence of edge at now.
func (r Rules) Effective(edge core.Relationship, now time.Time) float64 {
	c := core.ClampUnit(edge.Confidence)
	if edge.LastObservedAt.IsZero() || r.HalfLife <= 0 {
		return c
	}
	elapsed := now.Sub(edge.LastObservedAt)
	if elapsed <= r.DecayWindow {
		return c
	}
	over := float64(elapsed-r.DecayWindow) / float64(r.HalfLife)
	return core.ClampUnit(c * math.Pow(0.5, over))
}

// Merge folds an incoming observation into existing (nil when the edge does
// not exist yet). The existing confidence is first decayed to now, then
// corroborated by delta. Observation counts add up, LastObservedAt advances
// to the newest observation and metadata from the incoming edge wins per key.
func (r Rules) Merge(existing *core.Relationship, incoming core.Relationship, delta float64, now time.Time) core.Relationship {
	observed := incoming.LastObservedAt
	if observed.IsZero() {
		observed = now
	}
	count := incoming.ObservationCount
	if count < 1 {
		count = 1
	}

	if existing == nil {
		out := incoming.Clone()
		out.Confidence = r.Corroborate(0, delta)
		out.ObservationCount = count
		out.LastObservedAt = observed
		return out
	}

	out := existing.Clone()
	out.Confidence = r.Corroborate(r.Effective(*existing, now), delta)
	out.ObservationCount += count
	if observed.After(out.LastObservedAt) {
		out.LastObservedAt = observed
	}
	if incoming.TargetType != "" {
		out.TargetType = incoming.TargetType
	}
	if len(incoming.Metadata) > 0 && out.Metadata == nil {
		out.Metadata = make(map[string]string, len(incoming.Metadata))
	}
	for k, v := range incoming.Metadata {
		out.Metadata[k] = v
	}
	return out
}
