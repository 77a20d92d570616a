package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/filter"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/metrics"
	"github.com/hyperjump/kura/internal/vector"
)

// Fusion selects how the two legs are combined.
type Fusion string

const (
	FusionWeighted Fusion = "weighted"
	FusionRRF      Fusion = "rrf"
)

// ParseFusion maps a name to a Fusion. Empty means weighted.
func ParseFusion(s string) (Fusion, error) {
	switch Fusion(s) {
	case "", FusionWeighted:
		return FusionWeighted, nil
	case FusionRRF:
		return FusionRRF, nil
	}
	return "", fmt.Errorf("unknown fusion %q", s)
}

// Defaults for hybrid search.
const (
	DefaultK               = 10
	DefaultFetchMultiplier = 3
	DefaultVectorWeight    = 0.7
	DefaultKeywordWeight   = 0.3
	DefaultRRFK            = 60
)

var (
	// ErrEmptyQuery is returned when neither a vector nor text is given.
	ErrEmptyQuery = errors.New("search: query vector or text is required")
	// ErrInvalidWeight is returned for negative leg weights.
	ErrInvalidWeight = errors.New("search: weights must not be negative")
)

// Options controls one hybrid search.
type Options struct {
	K      int
	FetchK int
	// A zero weight disables its leg.
	VectorWeight    float64
	KeywordWeight   float64
	NormalizeScores bool
	Fusion          Fusion
	RRFK            int
	// When HasThreshold is set, results scoring below Threshold are dropped.
	// Similarities can be negative, so a zero Threshold is not a no-op.
	Threshold    float64
	HasThreshold bool
	Filter    filter.Filter
	Ef        int
}

// DefaultOptions returns the standard hybrid settings.
func DefaultOptions() Options {
	return Options{
		K:               DefaultK,
		FetchK:          DefaultK * DefaultFetchMultiplier,
		VectorWeight:    DefaultVectorWeight,
		KeywordWeight:   DefaultKeywordWeight,
		NormalizeScores: true,
		Fusion:          FusionWeighted,
		RRFK:            DefaultRRFK,
	}
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.FetchK < o.K {
		o.FetchK = o.K * DefaultFetchMultiplier
	}
	if o.RRFK <= 0 {
		o.RRFK = DefaultRRFK
	}
	if o.Fusion == "" {
		o.Fusion = FusionWeighted
	}
	return o
}

// VectorSearcher is the approximate nearest-neighbor leg.
type VectorSearcher interface {
	SearchFunc(query []float32, k, ef int, accept func(id string) bool) ([]vector.Result, error)
}

// KeywordSearcher is the BM25 leg.
type KeywordSearcher interface {
	Search(query string, k int) []*keyword.KeywordResult
	Len() int
}

// MetadataLookup resolves a document's metadata for filtering and display.
type MetadataLookup interface {
	Metadata(id string) (map[string]any, bool)
}

// MetadataFunc adapts a function to MetadataLookup.
type MetadataFunc func(id string) (map[string]any, bool)

func (f MetadataFunc) Metadata(id string) (map[string]any, bool) { return f(id) }

// Hybrid runs vector and keyword search over one collection and fuses them.
type Hybrid struct {
	vectors  VectorSearcher
	keywords KeywordSearcher
	metadata MetadataLookup
	metric   distance.Metric
	logger   *zap.Logger
}

// HybridOption configures a Hybrid.
type HybridOption func(*Hybrid)

// WithMetadata sets the metadata source used by filters and attached to results.
func WithMetadata(m MetadataLookup) HybridOption {
	return func(h *Hybrid) { h.metadata = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HybridOption {
	return func(h *Hybrid) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHybrid creates a hybrid searcher. Either leg may be nil.
func NewHybrid(vectors VectorSearcher, keywords KeywordSearcher, metric distance.Metric, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		vectors:  vectors,
		keywords: keywords,
		metric:   metric,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Search runs both legs concurrently with FetchK candidates each, fuses them
// and returns at most K results. A leg runs only when its input is present,
// its searcher is configured and its weight is positive.
func (h *Hybrid) Search(ctx context.Context, queryVector []float32, queryText string, opts Options) ([]Result, error) {
	start := time.Now()
	defer func() {
		metrics.SearchDuration.WithLabelValues("hybrid").Observe(time.Since(start).Seconds())
	}()

	opts = opts.withDefaults()
	if opts.VectorWeight < 0 || opts.KeywordWeight < 0 {
		return nil, ErrInvalidWeight
	}
	if len(queryVector) == 0 && queryText == "" {
		return nil, ErrEmptyQuery
	}
	if opts.Fusion != FusionWeighted && opts.Fusion != FusionRRF {
		return nil, fmt.Errorf("unknown fusion %q", opts.Fusion)
	}

	useVector := h.vectors != nil && len(queryVector) > 0 && opts.VectorWeight > 0
	useKeyword := h.keywords != nil && queryText != "" && opts.KeywordWeight > 0

	var vectorLeg, keywordLeg []Ranked
	g, gctx := errgroup.WithContext(ctx)
	if useVector {
		g.Go(func() error {
			leg, err := h.vectorLeg(gctx, queryVector, opts)
			vectorLeg = leg
			return err
		})
	}
	if useKeyword {
		g.Go(func() error {
			leg, err := h.keywordLeg(gctx, queryText, opts)
			keywordLeg = leg
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.NormalizeScores {
		vectorLeg = normalizeLeg(vectorLeg)
		keywordLeg = normalizeLeg(keywordLeg)
	}

	var fused []Result
	switch opts.Fusion {
	case FusionRRF:
		fused = FuseRRF(vectorLeg, keywordLeg, opts.RRFK)
	default:
		fused = FuseWeighted(vectorLeg, keywordLeg, opts.VectorWeight, opts.KeywordWeight)
	}

	out := make([]Result, 0, min(len(fused), opts.K))
	for _, r := range fused {
		if len(out) == opts.K {
			break
		}
		if opts.HasThreshold && r.Score < opts.Threshold {
			continue
		}
		if h.metadata != nil {
			if md, ok := h.metadata.Metadata(r.ID); ok {
				r.Metadata = md
			}
		}
		out = append(out, r)
	}
	h.logger.Debug("Hybrid search",
		zap.Int("vector_hits", len(vectorLeg)),
		zap.Int("keyword_hits", len(keywordLeg)),
		zap.Int("results", len(out)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

func (h *Hybrid) accept(f filter.Filter) func(id string) bool {
	if f.Empty() {
		return nil
	}
	return func(id string) bool {
		var md map[string]any
		if h.metadata != nil {
			md, _ = h.metadata.Metadata(id)
		}
		return f.Matches(md)
	}
}

func (h *Hybrid) vectorLeg(ctx context.Context, query []float32, opts Options) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	hits, err := h.vectors.SearchFunc(query, opts.FetchK, opts.Ef, h.accept(opts.Filter))
	metrics.SearchDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	leg := make([]Ranked, len(hits))
	for i, hit := range hits {
		leg[i] = Ranked{ID: hit.ID, Score: distance.Similarity(h.metric, float64(hit.Distance))}
	}
	return leg, nil
}

// keywordLeg ranks the whole index when a filter is set so that filtering
// happens before truncation to FetchK.
func (h *Hybrid) keywordLeg(ctx context.Context, text string, opts Options) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	n := opts.FetchK
	accept := h.accept(opts.Filter)
	if accept != nil {
		n = max(h.keywords.Len(), 1)
	}
	hits := h.keywords.Search(text, n)
	metrics.SearchDuration.WithLabelValues("keyword").Observe(time.Since(start).Seconds())

	leg := make([]Ranked, 0, min(len(hits), opts.FetchK))
	for _, hit := range hits {
		if len(leg) == opts.FetchK {
			break
		}
		if accept != nil && !accept(hit.ID) {
			continue
		}
		leg = append(leg, Ranked{ID: hit.ID, Score: hit.Score})
	}
	return leg, nil
}
