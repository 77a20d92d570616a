// Package indexer provides document chunking and the ingest pipeline.
package indexer

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyText is returned by ChunkText for empty or whitespace-only input.
var ErrEmptyText = errors.New("indexer: text is empty")

// DefaultSeparators is the split hierarchy from coarse to fine. The empty
// separator splits into single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

// Chunk defaults, in characters.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
	DefaultChunkMinSize = 50
)

// Chunk is a contiguous range of the source text. Start and End are rune
// offsets, End exclusive.
type Chunk struct {
	Text     string         `json:"text"`
	Start    int            `json:"start"`
	End      int            `json:"end"`
	Index    int            `json:"index"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkOptions configures a Chunker. Sizes are measured in runes.
type ChunkOptions struct {
	Size       int
	Overlap    int
	MinSize    int
	Separators []string
}

// DefaultChunkOptions returns 512/50/50 with DefaultSeparators.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		Size:       DefaultChunkSize,
		Overlap:    DefaultChunkOverlap,
		MinSize:    DefaultChunkMinSize,
		Separators: DefaultSeparators,
	}
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.Size <= 0 {
		o.Size = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 2
	}
	if o.MinSize < 0 {
		o.MinSize = 0
	}
	if len(o.Separators) == 0 {
		o.Separators = DefaultSeparators
	}
	return o
}

// Chunker splits text recursively on a separator hierarchy and merges the
// pieces into overlapping chunks of at most Size runes.
type Chunker struct {
	opts ChunkOptions
}

// NewChunker creates a chunker. Zero fields take defaults.
func NewChunker(opts ChunkOptions) *Chunker {
	return &Chunker{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Chunker) Options() ChunkOptions { return c.opts }

// ChunkText chunks text with opts.
func ChunkText(text string, opts ChunkOptions) ([]Chunk, error) {
	chunks := NewChunker(opts).Chunk(text)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	return chunks, nil
}

type span struct{ start, end int }

// Chunk splits text. Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.opts.Size {
		return c.build(runes, []span{{0, len(runes)}})
	}
	pieces := c.split(runes, span{0, len(runes)}, 0)
	spans := c.merge(runes, pieces)
	chunks := c.build(runes, spans)
	if len(chunks) == 0 {
		chunks = c.build(runes, c.fixedStride(len(runes)))
	}
	return chunks
}

// split breaks s into pieces no longer than Size, trying separators from
// level on. Separators stay attached to the piece they end, so the pieces
// tile s exactly.
func (c *Chunker) split(runes []rune, s span, level int) []span {
	if s.end-s.start <= c.opts.Size {
		return []span{s}
	}
	for i := level; i < len(c.opts.Separators); i++ {
		sep := c.opts.Separators[i]
		if sep == "" {
			return c.charSplit(s)
		}
		parts := splitAfter(runes, s, []rune(sep))
		if len(parts) <= 1 {
			continue
		}
		out := make([]span, 0, len(parts))
		for _, p := range parts {
			out = append(out, c.split(runes, p, i+1)...)
		}
		return out
	}
	return c.charSplit(s)
}

func splitAfter(runes []rune, s span, sep []rune) []span {
	var parts []span
	start := s.start
	for i := s.start; i+len(sep) <= s.end; {
		if hasPrefixAt(runes, i, sep) {
			i += len(sep)
			parts = append(parts, span{start, i})
			start = i
			continue
		}
		i++
	}
	if start < s.end {
		parts = append(parts, span{start, s.end})
	}
	return parts
}

func hasPrefixAt(runes []rune, i int, sep []rune) bool {
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

func (c *Chunker) charSplit(s span) []span {
	var out []span
	for i := s.start; i < s.end; i += c.opts.Size {
		out = append(out, span{i, min(i+c.opts.Size, s.end)})
	}
	return out
}

// merge packs contiguous pieces greedily into chunks of at most Size runes.
// Each new chunk is seeded with up to Overlap trailing runes of the previous
// one, starting at a word boundary when there is one.
func (c *Chunker) merge(runes []rune, pieces []span) []span {
	var out []span
	cur := span{-1, -1}
	for _, p := range pieces {
		if cur.start < 0 {
			cur = p
			continue
		}
		if p.end-cur.start <= c.opts.Size {
			cur.end = p.end
			continue
		}
		out = append(out, cur)
		next := cur.end
		if c.opts.Overlap > 0 {
			next = overlapStart(runes, cur, c.opts.Overlap)
		}
		next = max(next, p.end-c.opts.Size, cur.start)
		cur = span{next, p.end}
	}
	if cur.start >= 0 {
		out = append(out, cur)
	}
	return out
}

func overlapStart(runes []rune, prev span, overlap int) int {
	o := max(prev.end-overlap, prev.start)
	if o == prev.start || unicode.IsSpace(runes[o-1]) {
		return o
	}
	for j := o; j < prev.end; j++ {
		if unicode.IsSpace(runes[j]) {
			for j < prev.end && unicode.IsSpace(runes[j]) {
				j++
			}
			return j
		}
	}
	return o
}

// build trims whitespace from each span, drops empty ones, merges a short
// trailing chunk into its predecessor and numbers the result.
func (c *Chunker) build(runes []rune, spans []span) []Chunk {
	trimmed := make([]span, 0, len(spans))
	for _, s := range spans {
		for s.start < s.end && unicode.IsSpace(runes[s.start]) {
			s.start++
		}
		for s.end > s.start && unicode.IsSpace(runes[s.end-1]) {
			s.end--
		}
		if s.start < s.end {
			trimmed = append(trimmed, s)
		}
	}
	if n := len(trimmed); n > 1 && trimmed[n-1].end-trimmed[n-1].start < c.opts.MinSize {
		trimmed[n-2].end = trimmed[n-1].end
		trimmed = trimmed[:n-1]
	}
	chunks := make([]Chunk, len(trimmed))
	for i, s := range trimmed {
		chunks[i] = Chunk{
			Text:  string(runes[s.start:s.end]),
			Start: s.start,
			End:   s.end,
			Index: i,
		}
	}
	return chunks
}

// fixedStride cuts n runes into Size-long windows advancing by Size-Overlap.
func (c *Chunker) fixedStride(n int) []span {
	stride := max(c.opts.Size-c.opts.Overlap, 1)
	var out []span
	for i := 0; i < n; i += stride {
		end := min(i+c.opts.Size, n)
		out = append(out, span{i, end})
		if end == n {
			break
		}
	}
	return out
}
