package core

// ProductRef is a catalog item as returned by the search service.
type ProductRef struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CategoryID string  `json:"category_id,omitempty"`
	BrandID    string  `json:"brand_id,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Score      float64 `json:"score"`
}

// Hints are per-item suggestions derived from the relationship graph.
type Hints struct {
	SuggestedQuantity int  `json:"suggested_quantity,omitempty"`
	BudgetConscious   bool `json:"budget_conscious,omitempty"`
	Reorder           bool `json:"reorder,omitempty"`
}

// Result is a search result as seen by personalization. BaseScore is the
// collaborator's relevance and never changes; Score = BaseScore + Boost.
type Result struct {
	Product   ProductRef `json:"product"`
	BaseScore float64    `json:"base_score"`
	Score     float64    `json:"score"`
	Boost     float64    `json:"boost"`
	Hints     Hints      `json:"hints"`
}

// FilteredItem records a result removed by an AVOIDS relationship.
type FilteredItem struct {
	ProductID  string  `json:"product_id"`
	TargetID   string  `json:"target_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// PersonalizationReport explains what personalization did to a result list.
type PersonalizationReport struct {
	Input        int            `json:"input"`
	Output       int            `json:"output"`
	Boosted      int            `json:"boosted"`
	Filtered     []FilteredItem `json:"filtered,omitempty"`
	Truncated    int            `json:"truncated,omitempty"`
	BelowMinimum bool           `json:"below_minimum,omitempty"`
}
