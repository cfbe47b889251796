package core

import (
	"fmt"
	"strings"
)

// MemoryContext is the relevance-ranked subset of the relationship graph
// fetched for one turn. A degraded context is explicitly empty and carries
// the reason; downstream components treat it as "no personalization".
type MemoryContext struct {
	UserID        string         `json:"user_id"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Degraded      bool           `json:"degraded,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// EmptyMemoryContext returns a degraded, empty context.
func EmptyMemoryContext(userID, reason string) MemoryContext {
	return MemoryContext{UserID: userID, Degraded: true, Reason: reason}
}

// Empty reports whether the context carries no relationships.
func (m MemoryContext) Empty() bool { return len(m.Relationships) == 0 }

// Strongest returns the highest-confidence edge of kind pointing at target.
func (m MemoryContext) Strongest(kind RelationshipKind, targetID string) (Relationship, bool) {
	var (
		best  Relationship
		found bool
	)
	for _, r := range m.Relationships {
		if r.Kind != kind || r.TargetID != targetID {
			continue
		}
		if !found || r.Confidence > best.Confidence {
			best, found = r, true
		}
	}
	return best, found
}

// ByKind returns all edges of the given kind in ranked order.
func (m MemoryContext) ByKind(kind RelationshipKind) []Relationship {
	var out []Relationship
	for _, r := range m.Relationships {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Summary renders at most n edges as compact lines for prompts.
func (m MemoryContext) Summary(n int) string {
	if m.Empty() {
		return "none"
	}
	var b strings.Builder
	for i, r := range m.Relationships {
		if n > 0 && i >= n {
			break
		}
		fmt.Fprintf(&b, "- %s %s:%s (%.2f)\n", r.Kind, r.TargetType, r.TargetID, r.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}
