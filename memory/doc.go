// Package memory contains the relationship graph client shared by every
// backend.
//
// Rules holds the confidence arithmetic. Upserts reinforce or contradict an
// edge towards a bounded cap, and reads decay edges that have not been
// observed for a while. Backends store raw confidences and apply Rules.Effective
// when edges are read, so two backends holding the same observations return
// the same ranking.
//
// InMemoryStore is the process-local backend used in tests and single-node
// deployments. CachedStore is a ristretto-backed read-through cache for the
// hot path; it invalidates an entity's entries on every local upsert. The
// store interface resides in the core package. Durable backends live in
// sub-packages (memory/neo4j) and are selected at wiring time:
//
//	store := memory.NewInMemoryStore()
//	cached, err := memory.NewCachedStore(store, 10000, 30*time.Second)
//	if err != nil {
//		return err
//	}
//	edges, err := cached.GetRelationships(ctx, userID, core.Prefers, core.Avoids)
package memory
