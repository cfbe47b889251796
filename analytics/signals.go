package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// Record is one stored observation.
type Record struct {
	EpisodeID  string
	SessionID  string
	SourceID   string
	Kind       core.RelationshipKind
	TargetID   string
	TargetType core.EntityType
	ObservedAt time.Time
	Quantity   int
	Budget     float64
}

// SignalsFromEpisode extracts one record per observation. Observations
// without a source are attributed to the episode's user; malformed ones are
// skipped.
func SignalsFromEpisode(ep core.Episode) []Record {
	out := make([]Record, 0, len(ep.Observations))
	for _, o := range ep.Observations {
		if !o.Kind.Valid() || o.TargetID == "" {
			continue
		}
		source := o.SourceID
		if source == "" {
			source = ep.UserID
		}
		if source == "" {
			continue
		}
		targetType := o.TargetType
		if !targetType.Valid() {
			targetType = core.EntityProduct
		}
		out = append(out, Record{
			EpisodeID:  ep.ID,
			SessionID:  ep.SessionID,
			SourceID:   source,
			Kind:       o.Kind,
			TargetID:   o.TargetID,
			TargetType: targetType,
			ObservedAt: ep.CreatedAt.UTC(),
			Quantity:   o.Quantity,
			Budget:     o.Budget,
		})
	}
	return out
}

type groupKey struct {
	source string
	kind   core.RelationshipKind
	target string
}

// Aggregate groups records inside the window into signals, ordered by
// (source, kind, target).
func Aggregate(records []Record, w core.Window) []core.Signal {
	now := w.Now
	if now.IsZero() {
		now = time.Now()
	}
	groups := make(map[groupKey][]Record)
	for _, r := range records {
		if r.ObservedAt.After(now) {
			continue
		}
		if w.MaxAge > 0 && r.ObservedAt.Before(now.Add(-w.MaxAge)) {
			continue
		}
		k := groupKey{source: r.SourceID, kind: r.Kind, target: r.TargetID}
		groups[k] = append(groups[k], r)
	}

	stableBefore := now.Add(-w.MinAge)
	out := make([]core.Signal, 0, len(groups))
	for k, rs := range groups {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ObservedAt.Before(rs[j].ObservedAt) })
		if rs[0].ObservedAt.After(stableBefore) {
			continue
		}
		out = append(out, summarize(k, rs))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.TargetID < b.TargetID
	})
	return out
}

// summarize expects rs sorted by ObservedAt.
func summarize(k groupKey, rs []Record) core.Signal {
	sig := core.Signal{
		UserID:     k.source,
		Kind:       k.kind,
		TargetID:   k.target,
		TargetType: rs[len(rs)-1].TargetType,
		Count:      len(rs),
		FirstSeen:  rs[0].ObservedAt,
		LastSeen:   rs[len(rs)-1].ObservedAt,
	}

	days := make(map[string]struct{})
	var (
		qtySum float64
		qtyN   int
	)
	for _, r := range rs {
		days[r.ObservedAt.UTC().Format("2006-01-02")] = struct{}{}
		if r.Quantity > 0 {
			qtySum += float64(r.Quantity)
			qtyN++
		}
		if r.Budget > 0 && (sig.MinBudget == 0 || r.Budget < sig.MinBudget) {
			sig.MinBudget = r.Budget
		}
	}
	sig.ActiveDays = len(days)
	if qtyN > 0 {
		sig.AvgQuantity = qtySum / float64(qtyN)
	}

	if len(rs) > 1 {
		gaps := make([]float64, 0, len(rs)-1)
		var sum float64
		for i := 1; i < len(rs); i++ {
			g := rs[i].ObservedAt.Sub(rs[i-1].ObservedAt).Hours() / 24
			gaps = append(gaps, g)
			sum += g
		}
		mean := sum / float64(len(gaps))
		var variance float64
		for _, g := range gaps {
			variance += (g - mean) * (g - mean)
		}
		sig.MeanIntervalDays = mean
		sig.IntervalStdDevDays = math.Sqrt(variance / float64(len(gaps)))
	}
	return sig
}
