package search

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/shopmesh/core"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Products []productDoc `yaml:"products"`
}

type productDoc struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Category string  `yaml:"category"`
	Brand    string  `yaml:"brand"`
	Price    float64 `yaml:"price"`
}

// LoadProducts reads a YAML catalog file.
func LoadProducts(path string) ([]core.ProductRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseProducts(data)
}

// ParseProducts decodes a YAML catalog document.
func ParseProducts(data []byte) ([]core.ProductRef, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(file.Products))
	out := make([]core.ProductRef, 0, len(file.Products))
	for i, p := range file.Products {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: id and name are required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		out = append(out, core.ProductRef{
			ID:         p.ID,
			Name:       p.Name,
			CategoryID: p.Category,
			BrandID:    p.Brand,
			Price:      p.Price,
		})
	}
	return out, nil
}

// DefaultProducts returns the built-in sample catalog.
func DefaultProducts() []core.ProductRef {
	products, err := ParseProducts(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return products
}
