// Package session houses concrete implementations of core.SessionStore.
// The interface itself (and the Session struct) live in the core package so
// higher level packages (engine, handlers) never depend on concrete storage.
//
// Additional backends live in sub-packages (see session/redis) without
// changing any calling code; only the wiring layer decides which
// implementation to instantiate.
package session
