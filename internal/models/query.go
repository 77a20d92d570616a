package models

import "fmt"

// Search modes.
const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// Fusion strategies for hybrid search.
const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

// SearchQuery represents a search request against one collection.
type SearchQuery struct {
	Query  string    `json:"query,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	// Mode is vector, keyword or hybrid. Empty picks hybrid when both a
	// query and a vector (or an embedder) are available.
	Mode          string                 `json:"mode,omitempty"`
	Fusion        string                 `json:"fusion,omitempty"`
	VectorWeight  *float64               `json:"vector_weight,omitempty"`
	KeywordWeight *float64               `json:"keyword_weight,omitempty"`
	MinScore      float64                `json:"min_score,omitempty"`
	Ef            int                    `json:"ef,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	// GroupBy collapses hits sharing this metadata value, keeping the best.
	GroupBy string `json:"group_by,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
func (q *SearchQuery) Validate() error {
	if q.Query == "" && len(q.Vector) == 0 {
		return fmt.Errorf("query or vector is required")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	switch q.Mode {
	case "", ModeVector, ModeKeyword, ModeHybrid:
	default:
		return fmt.Errorf("unknown search mode: %q", q.Mode)
	}
	if q.Mode == ModeKeyword && q.Query == "" {
		return fmt.Errorf("keyword search requires a query")
	}
	switch q.Fusion {
	case "":
		q.Fusion = FusionWeighted
	case FusionWeighted, FusionRRF:
	default:
		return fmt.Errorf("unknown fusion: %q", q.Fusion)
	}
	if q.VectorWeight != nil && *q.VectorWeight < 0 {
		return fmt.Errorf("vector_weight must not be negative")
	}
	if q.KeywordWeight != nil && *q.KeywordWeight < 0 {
		return fmt.Errorf("keyword_weight must not be negative")
	}
	return nil
}
