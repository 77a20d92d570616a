package models

import (
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name    string
		query   *SearchQuery
		wantErr bool
	}{
		{"empty query and vector", &SearchQuery{}, true},
		{"valid query", &SearchQuery{Query: "hello"}, false},
		{"vector only", &SearchQuery{Vector: []float32{1, 2}}, false},
		{"sets default limit", &SearchQuery{Query: "x", Limit: 0}, false},
		{"caps limit at 100", &SearchQuery{Query: "x", Limit: 200}, false},
		{"unknown mode", &SearchQuery{Query: "x", Mode: "fuzzy"}, true},
		{"keyword without text", &SearchQuery{Vector: []float32{1}, Mode: ModeKeyword}, true},
		{"unknown fusion", &SearchQuery{Query: "x", Fusion: "max"}, true},
		{"negative weight", &SearchQuery{Query: "x", VectorWeight: &neg}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if tt.query.Limit == 0 {
					t.Error("expected default limit to be set")
				}
				if tt.query.Limit > 100 {
					t.Errorf("expected limit capped at 100, got %d", tt.query.Limit)
				}
				if tt.query.Fusion != FusionWeighted {
					t.Errorf("expected default fusion %q, got %q", FusionWeighted, tt.query.Fusion)
				}
			}
		})
	}
}

func TestDocument_Clone(t *testing.T) {
	d := &Document{ID: "a", Metadata: map[string]interface{}{"k": "v"}}
	c := d.Clone()
	c.Metadata["k"] = "changed"
	if d.Metadata["k"] != "v" {
		t.Error("clone should not share metadata")
	}
	var nilDoc *Document
	if nilDoc.Clone() != nil {
		t.Error("clone of nil should be nil")
	}
}
