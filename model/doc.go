// Package model defines the provider-agnostic abstractions for talking to
// language models, plus the Reasoner adapter that exposes any Model as the
// core.ReasoningService used by the intent router and the chat handler.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub-packages so higher
// layers remain decoupled from vendor SDKs.
package model
