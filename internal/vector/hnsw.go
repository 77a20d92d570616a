package vector

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/distance"
)

const maxLevelCap = 32

// Config holds HNSW construction and search parameters.
type Config struct {
	// M is the neighbor limit on layers >= 1.
	M int
	// M0 is the neighbor limit on layer 0. Zero means 2*M.
	M0             int
	EfConstruction int
	EfSearch       int
	Metric         distance.Metric
	// Seed makes level assignment reproducible. Zero seeds from the clock.
	Seed int64
	// RebuildThreshold is the deleted fraction above which NeedsRebuild reports true.
	RebuildThreshold float64
	// AutoRebuild rebuilds the graph inside Delete once the threshold is crossed.
	AutoRebuild bool
}

// DefaultConfig returns M=16, efConstruction=200, efSearch=50 with cosine distance.
func DefaultConfig() Config {
	return Config{
		M:                16,
		M0:               32,
		EfConstruction:   200,
		EfSearch:         50,
		Metric:           distance.Cosine,
		RebuildThreshold: 0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.M < 2 {
		c.M = d.M
	}
	if c.M0 <= 0 {
		c.M0 = 2 * c.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.RebuildThreshold <= 0 || c.RebuildThreshold > 1 {
		c.RebuildThreshold = d.RebuildThreshold
	}
	return c
}

// Result is a single nearest-neighbor hit.
type Result struct {
	ID       string
	Distance float32
}

type node struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]uint32
}

// HNSW is a hierarchical navigable small world graph over fixed-dimension
// vectors. Deleted nodes are tombstoned: they stay traversable so the graph
// remains connected but are never returned from a search.
type HNSW struct {
	mu       sync.RWMutex
	cfg      Config
	dims     int
	dist     distance.Func
	ml       float64
	rng      *rand.Rand
	nodes    []*node
	ids      map[string]uint32
	deleted  *roaring.Bitmap
	entry    uint32
	hasEntry bool
	maxLevel int
	logger   *zap.Logger
}

// Option configures an HNSW.
type Option func(*HNSW)

// WithLogger sets a logger for rebuild and entry point events.
func WithLogger(l *zap.Logger) Option {
	return func(h *HNSW) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates an empty index for vectors of the given dimension.
func New(dimensions int, cfg Config, opts ...Option) (*HNSW, error) {
	if dimensions <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dimensions}
	}
	cfg = cfg.withDefaults()
	fn, err := distance.ForMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	h := &HNSW{
		cfg:     cfg,
		dims:    dimensions,
		dist:    fn,
		ml:      1 / math.Log(float64(cfg.M)),
		rng:     rand.New(rand.NewSource(seed)),
		ids:     make(map[string]uint32),
		deleted: roaring.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Dimensions returns the configured vector dimension.
func (h *HNSW) Dimensions() int { return h.dims }

// Config returns the effective configuration.
func (h *HNSW) Config() Config { return h.cfg }

// Len returns the number of live (non-deleted) vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ids)
}

// Has reports whether id is present and not deleted.
func (h *HNSW) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ids[id]
	return ok
}

// Vector returns a copy of the stored vector for id.
func (h *HNSW) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.ids[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, h.dims)
	copy(out, h.nodes[i].vector)
	return out, true
}

// IDs returns the live ids in insertion order.
func (h *HNSW) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.ids))
	for i, n := range h.nodes {
		if !h.deleted.Contains(uint32(i)) {
			out = append(out, n.id)
		}
	}
	return out
}

// EntryPoint returns the id of the current entry point.
func (h *HNSW) EntryPoint() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasEntry {
		return "", false
	}
	return h.nodes[h.entry].id, true
}

// MaxLayer returns the top layer of the graph.
func (h *HNSW) MaxLayer() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxLevel
}

// DeletedFraction returns tombstoned nodes / all nodes.
func (h *HNSW) DeletedFraction() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deletedFractionLocked()
}

func (h *HNSW) deletedFractionLocked() float64 {
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.deleted.GetCardinality()) / float64(len(h.nodes))
}

// NeedsRebuild reports whether the deleted fraction exceeds the rebuild threshold.
func (h *HNSW) NeedsRebuild() bool {
	return h.DeletedFraction() > h.cfg.RebuildThreshold
}

func (h *HNSW) checkDims(v []float32) error {
	if len(v) != h.dims {
		return &ErrDimensionMismatch{Expected: h.dims, Actual: len(v)}
	}
	return nil
}

func (h *HNSW) randomLevel() int {
	l := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	if l > maxLevelCap {
		l = maxLevelCap
	}
	return l
}

func (h *HNSW) maxConn(level int) int {
	if level == 0 {
		return h.cfg.M0
	}
	return h.cfg.M
}

// Insert adds vec under id. Re-inserting an existing id replaces its vector.
func (h *HNSW) Insert(id string, vec []float32) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := h.checkDims(vec); err != nil {
		return err
	}
	v := make([]float32, h.dims)
	copy(v, vec)

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.ids[id]; ok {
		h.tombstoneLocked(old)
	}
	h.insertLocked(id, v, h.randomLevel())
	return nil
}

func (h *HNSW) insertLocked(id string, vec []float32, level int) {
	idx := uint32(len(h.nodes))
	n := &node{id: id, vector: vec, level: level, neighbors: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, n)
	h.ids[id] = idx

	if !h.hasEntry {
		h.entry = idx
		h.hasEntry = true
		h.maxLevel = level
		return
	}

	ep := candidate{node: h.entry, dist: h.dist(vec, h.nodes[h.entry].vector)}
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(vec, ep, l)
	}

	entries := []candidate{ep}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(vec, entries, h.cfg.EfConstruction, l)
		selected := h.selectNeighbors(h.liveFirst(found), h.maxConn(l))
		n.neighbors[l] = make([]uint32, 0, len(selected))
		for _, c := range selected {
			n.neighbors[l] = append(n.neighbors[l], c.node)
			h.link(c.node, idx, l)
		}
		entries = found
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = idx
	}
}

// greedyClosest walks layer l from ep, always moving to the closest neighbor,
// until no neighbor improves on the current node.
func (h *HNSW) greedyClosest(q []float32, ep candidate, l int) candidate {
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[ep.node].neighbors[l] {
			d := h.dist(q, h.nodes[nb].vector)
			if d < ep.dist {
				ep = candidate{node: nb, dist: d}
				changed = true
			}
		}
	}
	return ep
}

// searchLayer runs a beam search of width ef on layer l and returns the
// candidates found, nearest first.
func (h *HNSW) searchLayer(q []float32, entries []candidate, ef, l int) []candidate {
	visited := bitset.New(uint(len(h.nodes)))
	frontier := newQueue(false, ef)
	results := newQueue(true, ef+1)
	for _, e := range entries {
		if visited.Test(uint(e.node)) {
			continue
		}
		visited.Set(uint(e.node))
		frontier.push(e)
		results.push(e)
		if results.Len() > ef {
			results.pop()
		}
	}

	for frontier.Len() > 0 {
		c := frontier.pop()
		if results.Len() >= ef && c.dist > results.top().dist {
			break
		}
		nbs := h.nodes[c.node].neighbors
		if l >= len(nbs) {
			continue
		}
		for _, nb := range nbs[l] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))
			d := h.dist(q, h.nodes[nb].vector)
			if results.Len() < ef || d < results.top().dist {
				frontier.push(candidate{node: nb, dist: d})
				results.push(candidate{node: nb, dist: d})
				if results.Len() > ef {
					results.pop()
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.pop()
	}
	return out
}

// liveFirst drops tombstoned candidates unless nothing else is left, in
// which case they are kept so the new node stays connected.
func (h *HNSW) liveFirst(cands []candidate) []candidate {
	if h.deleted.IsEmpty() {
		return cands
	}
	live := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if !h.deleted.Contains(c.node) {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return cands
	}
	return live
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// ascending distance: a candidate is kept only if it is closer to the base
// than to every neighbor already kept. Remaining slots are back-filled with
// the nearest pruned candidates.
func (h *HNSW) selectNeighbors(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	selected := make([]candidate, 0, m)
	pruned := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if h.dist(h.nodes[c.node].vector, h.nodes[s.node].vector) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for i := 0; len(selected) < m && i < len(pruned); i++ {
		selected = append(selected, pruned[i])
	}
	return selected
}

// link adds the edge from -> to on layer l and re-prunes from's neighbor
// list when it exceeds the layer limit.
func (h *HNSW) link(from, to uint32, l int) {
	n := h.nodes[from]
	n.neighbors[l] = append(n.neighbors[l], to)
	limit := h.maxConn(l)
	if len(n.neighbors[l]) <= limit {
		return
	}
	cands := make([]candidate, len(n.neighbors[l]))
	for i, nb := range n.neighbors[l] {
		cands[i] = candidate{node: nb, dist: h.dist(n.vector, h.nodes[nb].vector)}
	}
	sortCandidates(cands)
	selected := h.selectNeighbors(cands, limit)
	pruned := make([]uint32, len(selected))
	for i, c := range selected {
		pruned[i] = c.node
	}
	n.neighbors[l] = pruned
}

func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].dist < c[j].dist })
}

// Search returns the k nearest live vectors to query, nearest first.
// The beam width is max(ef, k); ef <= 0 selects the configured EfSearch.
func (h *HNSW) Search(query []float32, k, ef int) ([]Result, error) {
	return h.SearchFunc(query, k, ef, nil)
}

// SearchFunc is Search restricted to ids accepted by accept. A nil accept
// admits every live id. When the filter rejects candidates the beam is
// widened until k results are found or the graph is exhausted.
func (h *HNSW) SearchFunc(query []float32, k, ef int, accept func(id string) bool) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := h.checkDims(query); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry || len(h.ids) == 0 {
		return []Result{}, nil
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	ef = max(ef, k)

	ep := candidate{node: h.entry, dist: h.dist(query, h.nodes[h.entry].vector)}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}

	for {
		found := h.searchLayer(query, []candidate{ep}, ef, 0)
		results := make([]Result, 0, k)
		for _, c := range found {
			if h.deleted.Contains(c.node) {
				continue
			}
			n := h.nodes[c.node]
			if accept != nil && !accept(n.id) {
				continue
			}
			results = append(results, Result{ID: n.id, Distance: c.dist})
			if len(results) == k {
				break
			}
		}
		if len(results) == k || len(found) < ef || ef >= len(h.nodes) {
			return results, nil
		}
		ef = min(ef*2, len(h.nodes))
	}
}

// Delete tombstones id. It reports whether id was present.
func (h *HNSW) Delete(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.ids[id]
	if !ok {
		return false
	}
	h.tombstoneLocked(idx)
	if h.cfg.AutoRebuild && len(h.ids) > 0 && h.deletedFractionLocked() > h.cfg.RebuildThreshold {
		h.rebuildLocked()
	}
	return true
}

func (h *HNSW) tombstoneLocked(idx uint32) {
	delete(h.ids, h.nodes[idx].id)
	h.deleted.Add(idx)
	if len(h.ids) == 0 {
		h.resetLocked()
		return
	}
	if h.entry == idx {
		h.reselectEntryLocked()
	}
}

// reselectEntryLocked makes the live node with the highest level the entry
// point; earlier insertions win ties.
func (h *HNSW) reselectEntryLocked() {
	best := -1
	for i, n := range h.nodes {
		if h.deleted.Contains(uint32(i)) {
			continue
		}
		if best < 0 || n.level > h.nodes[best].level {
			best = i
		}
	}
	if best < 0 {
		h.resetLocked()
		return
	}
	h.entry = uint32(best)
	h.maxLevel = h.nodes[best].level
	h.logger.Debug("hnsw entry point reselected",
		zap.String("entry", h.nodes[best].id),
		zap.Int("level", h.maxLevel))
}

func (h *HNSW) resetLocked() {
	h.nodes = nil
	h.ids = make(map[string]uint32)
	h.deleted.Clear()
	h.hasEntry = false
	h.entry = 0
	h.maxLevel = 0
}

// Rebuild reconstructs the graph from the live vectors in insertion order,
// discarding tombstones.
func (h *HNSW) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebuildLocked()
	return nil
}

func (h *HNSW) rebuildLocked() {
	old := h.nodes
	dead := h.deleted.Clone()
	before := len(old)
	h.resetLocked()
	for i, n := range old {
		if dead.Contains(uint32(i)) {
			continue
		}
		h.insertLocked(n.id, n.vector, h.randomLevel())
	}
	h.logger.Debug("hnsw rebuilt",
		zap.Int("nodes_before", before),
		zap.Int("nodes_after", len(h.nodes)))
}
