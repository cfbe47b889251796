package core

// EntityType classifies nodes of the relationship graph.
type EntityType string

const (
	// EntityUser is a shopper.
	EntityUser EntityType = "user"
	// EntityProduct is a catalog item.
	EntityProduct EntityType = "product"
	// EntityCategory groups products.
	EntityCategory EntityType = "category"
	// EntityBrand is a product brand.
	EntityBrand EntityType = "brand"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityProduct, EntityCategory, EntityBrand:
		return true
	}
	return false
}

// Entity is a node of the relationship graph. Identity (Type, ID) is
// immutable once created; Name and Attributes may change over time.
type Entity struct {
	Type       EntityType        `json:"type"`
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Key returns the stable identity "<type>:<id>".
func (e Entity) Key() string {
	return string(e.Type) + ":" + e.ID
}
