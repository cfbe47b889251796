// Package episode implements the append-only episode journal. Episodes are
// keyed by (session id, sequence number); appending an existing key fails
// with ErrDuplicateEpisode and never overwrites.
package episode
