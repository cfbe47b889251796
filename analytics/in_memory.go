package analytics

import (
	"context"
	"sync"

	"github.com/hupe1980/shopmesh/core"
)

// InMemoryWarehouse keeps records in process memory.
type InMemoryWarehouse struct {
	mu      sync.RWMutex
	records []Record
	emitted int
}

// NewInMemoryWarehouse creates an empty warehouse.
func NewInMemoryWarehouse() *InMemoryWarehouse {
	return &InMemoryWarehouse{}
}

// EmitEvent stores the episode's observations.
func (w *InMemoryWarehouse) EmitEvent(ep core.Episode) {
	records := SignalsFromEpisode(ep)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitted++
	w.records = append(w.records, records...)
}

// QueryAggregates aggregates the stored records.
func (w *InMemoryWarehouse) QueryAggregates(ctx context.Context, win core.Window) ([]core.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	records := make([]Record, len(w.records))
	copy(records, w.records)
	w.mu.RUnlock()
	return Aggregate(records, win), nil
}

// Load appends records directly, e.g. to seed history.
func (w *InMemoryWarehouse) Load(records ...Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, records...)
}

// Emitted returns the number of episodes received.
func (w *InMemoryWarehouse) Emitted() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.emitted
}

// Len returns the number of stored records.
func (w *InMemoryWarehouse) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}
