// Package search provides hybrid search (keyword + vector) and result fusion.
package search

import (
	"sort"
)

// Ranked is one entry of a single leg's ordered result list.
type Ranked struct {
	ID    string
	Score float64
}

// Result is a fused hit. Ranks are 1-based; 0 means the leg did not return
// the document.
type Result struct {
	ID           string         `json:"id"`
	Score        float64        `json:"score"`
	VectorScore  float64        `json:"vector_score"`
	KeywordScore float64        `json:"keyword_score"`
	VectorRank   int            `json:"vector_rank,omitempty"`
	KeywordRank  int            `json:"keyword_rank,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MinMaxNormalize rescales scores to [0,1]. A constant list maps to all 1.
func MinMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := hi - lo
	for i, s := range scores {
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (s - lo) / span
	}
	return out
}

// normalizeLeg applies MinMaxNormalize to a leg's scores, keeping order.
func normalizeLeg(leg []Ranked) []Ranked {
	scores := make([]float64, len(leg))
	for i, r := range leg {
		scores[i] = r.Score
	}
	norm := MinMaxNormalize(scores)
	out := make([]Ranked, len(leg))
	for i, r := range leg {
		out[i] = Ranked{ID: r.ID, Score: norm[i]}
	}
	return out
}

// merge joins both legs by id, recording per-leg score and rank.
func merge(vectorLeg, keywordLeg []Ranked) map[string]*Result {
	byID := make(map[string]*Result, len(vectorLeg)+len(keywordLeg))
	for i, r := range vectorLeg {
		if _, dup := byID[r.ID]; dup {
			continue
		}
		byID[r.ID] = &Result{ID: r.ID, VectorScore: r.Score, VectorRank: i + 1}
	}
	for i, r := range keywordLeg {
		res, ok := byID[r.ID]
		if !ok {
			res = &Result{ID: r.ID}
			byID[r.ID] = res
		}
		if res.KeywordRank != 0 {
			continue
		}
		res.KeywordScore = r.Score
		res.KeywordRank = i + 1
	}
	return byID
}

// FuseWeighted combines two ordered legs as
// vectorWeight*vectorScore + keywordWeight*keywordScore. Scores are used as
// given; normalize beforehand if the legs are on different scales.
func FuseWeighted(vectorLeg, keywordLeg []Ranked, vectorWeight, keywordWeight float64) []Result {
	byID := merge(vectorLeg, keywordLeg)
	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.Score = vectorWeight*r.VectorScore + keywordWeight*r.KeywordScore
		results = append(results, *r)
	}
	sortResults(results)
	return results
}

// FuseRRF combines two ordered legs with reciprocal rank fusion:
// score = sum over legs of 1/(k + rank).
func FuseRRF(vectorLeg, keywordLeg []Ranked, k int) []Result {
	if k <= 0 {
		k = DefaultRRFK
	}
	byID := merge(vectorLeg, keywordLeg)
	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		if r.VectorRank > 0 {
			r.Score += 1 / float64(k+r.VectorRank)
		}
		if r.KeywordRank > 0 {
			r.Score += 1 / float64(k+r.KeywordRank)
		}
		results = append(results, *r)
	}
	sortResults(results)
	return results
}

// sortResults orders by score descending, then vector rank, keyword rank
// and id. A missing rank sorts after any present one.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := compareRank(a.VectorRank, b.VectorRank); c != 0 {
			return c < 0
		}
		if c := compareRank(a.KeywordRank, b.KeywordRank); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

func compareRank(a, b int) int {
	switch {
	case a == b:
		return 0
	case a == 0:
		return 1
	case b == 0:
		return -1
	case a < b:
		return -1
	default:
		return 1
	}
}

// GroupBy keeps the best-scoring result per key, preserving order. Results
// whose key is empty are dropped. Used to collapse chunk hits into their
// source documents.
func GroupBy(results []Result, key func(r Result) string) []Result {
	seen := make(map[string]struct{}, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		k := key(r)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
