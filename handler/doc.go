// Package handler implements the domain handlers a routing decision
// dispatches to: product search, cart/order mutations and open chat.
//
// Each handler reads only its narrow view of the turn state (core.SearchView,
// core.OrderView, core.ChatView) and never sees the full session, so a
// handler cannot depend on state another handler produced in the same turn.
//
// Failure model:
//
// Search and Chat absorb collaborator failures. A timeout, a provider error
// or an empty completion becomes a degraded outcome (empty product list,
// static fallback text) carrying the classified reason; the turn still
// completes. Order is the only handler that returns errors, and only
// *core.ValidationError values reach the user. Store and catalog failures are
// classified for the engine, which marks the order component degraded.
//
// Usage:
//
//	search := handler.NewSearch(searchSvc, func(o *handler.SearchOptions) {
//		o.Deadline = 400 * time.Millisecond
//	})
//	order := handler.NewOrder(sessions, func(o *handler.OrderOptions) {
//		o.Catalog = catalog
//	})
//	chat := handler.NewChat(reasoner)
//
// ParseOrderIntent turns free text into a core.OrderIntent when the reasoning
// service did not supply a structured one.
package handler
