package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/filter"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/search"
	"github.com/hyperjump/kura/internal/storage"
)

const snippetLength = 300

var (
	errVectorRequired = errors.New("vector search needs a vector or an embedder")
	errInvalidQuery   = errors.New("invalid query")
)

// resolveMode picks the search mode when the query leaves it empty.
func resolveMode(q *models.SearchQuery, haveVector bool, keywordIndex bool) string {
	if q.Mode != "" {
		return q.Mode
	}
	switch {
	case haveVector && q.Query != "" && keywordIndex:
		return models.ModeHybrid
	case haveVector:
		return models.ModeVector
	default:
		return models.ModeKeyword
	}
}

// Search validates q and runs it against the named collection. It serves the
// HTTP handler and direct command line searches alike.
func (s *Server) Search(ctx context.Context, collection string, q *models.SearchQuery) (*models.SearchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidQuery, err)
	}
	coll, err := s.db.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.search(ctx, coll, q)
}

// search runs q against coll. A text query is embedded when the request
// carries no vector and an embedder is configured.
func (s *Server) search(ctx context.Context, coll *database.Collection, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	limit := q.Limit
	if s.config.Search.MaxK > 0 && limit > s.config.Search.MaxK {
		limit = s.config.Search.MaxK
	}
	f, err := filter.Parse(q.Filters)
	if err != nil {
		return nil, err
	}

	vec := q.Vector
	if len(vec) == 0 && q.Query != "" && q.Mode != models.ModeKeyword && s.embedder != nil {
		if vec, err = s.embedder.Embed(ctx, q.Query); err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	mode := resolveMode(q, len(vec) > 0, coll.Info().KeywordIndex)

	var results []search.Result
	switch mode {
	case models.ModeVector:
		if len(vec) == 0 {
			return nil, errVectorRequired
		}
		results, err = coll.Search(ctx, vec, database.SearchOptions{K: limit, Ef: q.Ef, Filter: f})
	case models.ModeKeyword:
		results, err = coll.KeywordSearch(ctx, q.Query, database.SearchOptions{K: limit, Filter: f})
	default:
		var opts search.Options
		if opts, err = s.hybridOptions(q, limit, f); err != nil {
			return nil, err
		}
		results, err = coll.HybridSearch(ctx, vec, q.Query, opts)
	}
	if err != nil {
		return nil, err
	}
	if mode != models.ModeHybrid && q.MinScore > 0 {
		results = aboveScore(results, q.MinScore)
	}
	if q.GroupBy != "" {
		key := q.GroupBy
		results = search.GroupBy(results, func(r search.Result) string {
			v, ok := r.Metadata[key]
			if !ok || v == nil {
				return ""
			}
			return fmt.Sprint(v)
		})
	}

	resp := &models.SearchResponse{
		Collection: coll.Name(),
		Mode:       mode,
		Results:    make([]*models.SearchResult, 0, len(results)),
		Query:      q.Query,
	}
	terms := strings.Fields(q.Query)
	for _, r := range results {
		hit := &models.SearchResult{
			ID:           r.ID,
			Score:        r.Score,
			VectorScore:  r.VectorScore,
			KeywordScore: r.KeywordScore,
			Metadata:     r.Metadata,
			Rank:         len(resp.Results) + 1,
		}
		doc, err := coll.Get(ctx, r.ID)
		switch {
		case err == nil:
			hit.Content = search.Snippet(doc.Content, terms, snippetLength)
			if hit.Metadata == nil {
				hit.Metadata = doc.Metadata
			}
		case errors.Is(err, storage.ErrNotFound):
			// Deleted by another context after the index was read.
			continue
		default:
			return nil, err
		}
		resp.Results = append(resp.Results, hit)
	}
	resp.Total = len(resp.Results)
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

func (s *Server) hybridOptions(q *models.SearchQuery, limit int, f filter.Filter) (search.Options, error) {
	opts, err := s.config.Search.Options()
	if err != nil {
		return search.Options{}, err
	}
	opts.K = limit
	opts.FetchK = limit * max(s.config.Search.FetchMultiplier, 1)
	if q.Fusion != "" {
		if opts.Fusion, err = search.ParseFusion(q.Fusion); err != nil {
			return search.Options{}, err
		}
	}
	if q.VectorWeight != nil {
		opts.VectorWeight = *q.VectorWeight
	}
	if q.KeywordWeight != nil {
		opts.KeywordWeight = *q.KeywordWeight
	}
	if q.MinScore > 0 {
		opts.Threshold = q.MinScore
		opts.HasThreshold = true
	}
	opts.Filter = f
	opts.Ef = q.Ef
	return opts, nil
}

func aboveScore(results []search.Result, threshold float64) []search.Result {
	out := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}
