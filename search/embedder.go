package search

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// DefaultDimensions is the vector size used by NewHashEmbedder(0).
const DefaultDimensions = 256

var errEmptyText = errors.New("search: text has no indexable terms")

// HashEmbedder maps text to a fixed-size unit vector by feature hashing word
// unigrams and character trigrams. It is deterministic and works offline, so
// near spellings ("yoghurt", "yogurt") land close to each other without a
// remote embedding model.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing vectors of size dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashEmbedder{dim: dim}
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int { return h.dim }

// Embed returns the normalized embedding of text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, h.dim)
	for _, word := range tokenize(text) {
		h.add(vec, "w:"+word, 1)
		padded := "#" + word + "#"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return nil, errEmptyText
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dim)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// Func adapts the embedder to chromem's embedding function type.
func (h *HashEmbedder) Func() chromem.EmbeddingFunc {
	return h.Embed
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New32a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum32()
	idx := int(sum % uint32(h.dim))
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
