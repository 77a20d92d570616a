package models

// SearchResult represents a single search hit with document and scores.
type SearchResult struct {
	ID           string                 `json:"id"`
	Score        float64                `json:"score"`
	VectorScore  float64                `json:"vector_score"`
	KeywordScore float64                `json:"keyword_score"`
	Distance     *float64               `json:"distance,omitempty"`
	Content      string                 `json:"content,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Rank         int                    `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Collection string          `json:"collection"`
	Mode       string          `json:"mode"`
	Results    []*SearchResult `json:"results"`
	Total      int             `json:"total"`
	QueryTime  int64           `json:"query_time_ms"`
	Query      string          `json:"query,omitempty"`
}
