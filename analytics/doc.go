// Package analytics implements the behavioral analytics warehouse.
//
// The request path only writes to it (EmitEvent never blocks and never
// fails a turn); the pattern synchronizer only reads aggregates from it.
// Every observation carried by an episode becomes one Record, and
// QueryAggregates groups records by (source, kind, target).
//
// InMemoryWarehouse aggregates in Go and suits tests and local runs. The
// duckdb subpackage stores records in DuckDB and aggregates in SQL.
package analytics
