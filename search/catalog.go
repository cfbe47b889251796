package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
)

const collectionName = "products"

// Options configures a Catalog.
type Options struct {
	// Embedder computes product and query vectors. Defaults to a
	// HashEmbedder with DefaultDimensions.
	Embedder chromem.EmbeddingFunc
	// MinScore drops results whose blended score is not above it.
	MinScore float64
	Logger   logging.Logger
}

// Catalog is an embedded product index. Semantic similarity comes from
// chromem-go, keyword relevance from term overlap against the product's
// name, category and brand.
//
// Query ranks the whole collection; it is meant for catalogs that fit in
// memory.
type Catalog struct {
	col  *chromem.Collection
	opts Options

	mu       sync.RWMutex
	products map[string]core.ProductRef
	terms    map[string][]string
	bySlug   map[string]string
}

// New creates a catalog and indexes products.
func New(ctx context.Context, products []core.ProductRef, optFns ...func(o *Options)) (*Catalog, error) {
	opts := Options{MinScore: 0.05, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Embedder == nil {
		opts.Embedder = NewHashEmbedder(DefaultDimensions).Func()
	}
	opts.Logger = logging.Ensure(opts.Logger)

	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, opts.Embedder)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	c := &Catalog{
		col:      col,
		opts:     opts,
		products: make(map[string]core.ProductRef),
		terms:    make(map[string][]string),
		bySlug:   make(map[string]string),
	}
	if err := c.Add(ctx, products...); err != nil {
		return nil, err
	}
	return c, nil
}

// Add indexes products. Re-adding an id replaces the product.
func (c *Catalog) Add(ctx context.Context, products ...core.ProductRef) error {
	if len(products) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(products))
	for _, p := range products {
		if p.ID == "" || strings.TrimSpace(p.Name) == "" {
			return &core.ValidationError{Field: "product", Value: p.ID, Message: "id and name are required"}
		}
		docs = append(docs, chromem.Document{
			ID:      p.ID,
			Content: document(p),
			Metadata: map[string]string{
				"name":     p.Name,
				"category": p.CategoryID,
				"brand":    p.BrandID,
				"price":    strconv.FormatFloat(p.Price, 'f', -1, 64),
			},
		})
	}
	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index products: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range products {
		c.products[p.ID] = p
		c.terms[p.ID] = tokenize(document(p))
		c.bySlug[slug(p.Name)] = p.ID
	}
	c.opts.Logger.Debug("indexed products", "count", len(products), "total", len(c.products))
	return nil
}

// Len returns the number of indexed products.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}

// Query returns up to limit products ranked by
// blend*semantic + (1-blend)*keyword. Score on the returned refs is that
// blended relevance in [0,1].
func (c *Catalog) Query(ctx context.Context, text string, blend float64, limit int) ([]core.ProductRef, error) {
	if limit < 1 {
		limit = 1
	}
	blend = core.ClampUnit(blend)
	queryTerms := contentTerms(text)

	semantic, err := c.semantic(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	out := make([]core.ProductRef, 0, len(c.products))
	for id, p := range c.products {
		score := blend*semantic[id] + (1-blend)*keyword(queryTerms, c.terms[id])
		if score <= c.opts.MinScore {
			continue
		}
		p.Score = score
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Lookup resolves a product by id or by the slug of its name.
func (c *Catalog) Lookup(ctx context.Context, productID string) (core.ProductRef, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.ProductRef{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.products[productID]; ok {
		return p, true, nil
	}
	if id, ok := c.bySlug[slug(productID)]; ok {
		return c.products[id], true, nil
	}
	return core.ProductRef{}, false, nil
}

// semantic returns the clamped cosine similarity of every product to text.
// Text without indexable terms has no semantic signal.
func (c *Catalog) semantic(ctx context.Context, text string) (map[string]float64, error) {
	n := c.col.Count()
	if n == 0 {
		return nil, nil
	}
	emb, err := c.opts.Embedder(ctx, text)
	if errors.Is(err, errEmptyText) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := c.col.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.ID] = core.ClampUnit(float64(r.Similarity))
	}
	return out, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "some": true, "any": true, "me": true,
	"i": true, "my": true, "for": true, "of": true, "to": true, "and": true,
	"with": true, "please": true, "find": true, "show": true, "search": true,
	"looking": true, "want": true, "need": true, "get": true, "do": true,
	"you": true, "have": true, "got": true, "is": true, "are": true,
}

func contentTerms(text string) []string {
	var out []string
	for _, t := range tokenize(text) {
		if !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

// keyword returns the fraction of query terms found among the product terms.
// Terms longer than three letters also match by prefix ("yog" does not,
// "yogurts" does).
func keyword(query, product []string) float64 {
	if len(query) == 0 || len(product) == 0 {
		return 0
	}
	hits := 0
	for _, q := range query {
		for _, t := range product {
			if q == t || (len(t) > 3 && strings.HasPrefix(q, t)) || (len(q) > 3 && strings.HasPrefix(t, q)) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(query))
}

func document(p core.ProductRef) string {
	return strings.Join([]string{p.Name, p.CategoryID, p.BrandID}, " ")
}

func slug(s string) string {
	return strings.Join(tokenize(s), "-")
}
