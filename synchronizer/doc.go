// Package synchronizer implements the batch pattern synchronizer.
//
// A pass reads aggregated behavioral signals from the analytics warehouse,
// scores each one from its strength, stability and recency, discards
// patterns at or below the quality threshold and merge-upserts the rest into
// the memory store in concurrent batches. A pattern never replaces an edge
// that is both more confident and at least as recent; such conflicts are
// logged and counted. Passes are scheduled with cron and never overlap.
package synchronizer
