// Package core provides the foundational domain types and collaborator
// interfaces used by shopmesh. It defines the core abstractions for:
//
//   - Entities and typed, confidence-weighted relationships between them
//   - Episodes (immutable interaction records) and synchronizer patterns
//   - Sessions with their cart state and confirmed orders
//   - Routing decisions, the per-turn state and the compiled turn result
//   - Small interfaces for every external collaborator (reasoning, search,
//     speech, memory store, analytics warehouse, episode journal, sessions)
//   - The error taxonomy shared by all components
//
// The package intentionally keeps implementation concerns (persistence,
// orchestration, concrete handlers) out of scope, exposing small interfaces to
// enable custom backends. Implementations live in sibling packages.
package core
