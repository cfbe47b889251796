// Package search provides an embedded product catalog that implements
// core.SearchService and core.Catalog.
//
// Products are indexed in a chromem-go collection. A query blends semantic
// similarity with keyword overlap using the routing blend coefficient:
//
//	score = blend*semantic + (1-blend)*keyword
//
// so 0 is pure keyword matching and 1 is pure semantic matching. The default
// embedding function is a local feature-hashing embedder; any
// chromem.EmbeddingFunc (for example a hosted model) can be plugged in.
package search
