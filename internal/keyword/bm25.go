package keyword

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	// DefaultK1 controls term frequency saturation.
	DefaultK1 = 1.2
	// DefaultB controls document length normalization.
	DefaultB = 0.75

	stateVersion = 1
)

// Options configures an Index.
type Options struct {
	K1        float64
	B         float64
	Tokenizer Tokenizer
	// StoreText keeps the original text of each document in the index state.
	StoreText bool
}

// DefaultOptions returns k1=1.2, b=0.75 and the default tokenizer.
func DefaultOptions() Options {
	return Options{K1: DefaultK1, B: DefaultB, Tokenizer: NewDefaultTokenizer()}
}

func (o Options) withDefaults() Options {
	if o.K1 <= 0 {
		o.K1 = DefaultK1
	}
	if o.B < 0 || o.B > 1 {
		o.B = DefaultB
	}
	if o.Tokenizer == nil {
		o.Tokenizer = NewDefaultTokenizer()
	}
	return o
}

type document struct {
	terms  map[string]int
	tokens []string
	length int
	text   string
}

// Index is an in-memory BM25 inverted index. Document frequencies and the
// total document length are maintained incrementally on Add and Remove.
type Index struct {
	mu          sync.RWMutex
	opts        Options
	docs        map[string]*document
	postings    map[string]map[string]int
	totalLength int
}

// NewIndex creates an empty index.
func NewIndex(opts Options) *Index {
	return &Index{
		opts:     opts.withDefaults(),
		docs:     make(map[string]*document),
		postings: make(map[string]map[string]int),
	}
}

// Add indexes text under id, replacing any previous document with that id.
func (idx *Index) Add(id, text string) {
	tokens := idx.opts.Tokenizer.Tokenize(text)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.addLocked(id, text, tokens)
}

// AddMany indexes several documents under one lock.
func (idx *Index) AddMany(docs []Doc) {
	tokenized := make([][]string, len(docs))
	for i, d := range docs {
		tokenized[i] = idx.opts.Tokenizer.Tokenize(d.Text)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, d := range docs {
		idx.addLocked(d.ID, d.Text, tokenized[i])
	}
}

func (idx *Index) addLocked(id, text string, tokens []string) {
	if _, ok := idx.docs[id]; ok {
		idx.removeLocked(id)
	}
	doc := &document{
		terms:  make(map[string]int),
		tokens: tokens,
		length: len(tokens),
	}
	if idx.opts.StoreText {
		doc.text = text
	}
	for _, t := range tokens {
		doc.terms[t]++
	}
	for t, tf := range doc.terms {
		p, ok := idx.postings[t]
		if !ok {
			p = make(map[string]int)
			idx.postings[t] = p
		}
		p[id] = tf
	}
	idx.docs[id] = doc
	idx.totalLength += doc.length
}

// Remove deletes id from the index. It reports whether the id was present.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.removeLocked(id)
}

func (idx *Index) removeLocked(id string) bool {
	doc, ok := idx.docs[id]
	if !ok {
		return false
	}
	for t := range doc.terms {
		p := idx.postings[t]
		delete(p, id)
		if len(p) == 0 {
			delete(idx.postings, t)
		}
	}
	idx.totalLength -= doc.length
	delete(idx.docs, id)
	return true
}

// Clear removes every document.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = make(map[string]*document)
	idx.postings = make(map[string]map[string]int)
	idx.totalLength = 0
}

// Has reports whether id is indexed.
func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.docs[id]
	return ok
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// AvgDocLength returns the mean token count per document.
func (idx *Index) AvgDocLength() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.avgDocLengthLocked()
}

func (idx *Index) avgDocLengthLocked() float64 {
	if len(idx.docs) == 0 {
		return 0
	}
	return float64(idx.totalLength) / float64(len(idx.docs))
}

// DocFreq returns the number of documents containing term.
func (idx *Index) DocFreq(term string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.postings[term])
}

// Terms returns every indexed term in lexical order.
func (idx *Index) Terms() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	terms := make([]string, 0, len(idx.postings))
	for t := range idx.postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// Text returns the stored text of id when StoreText is enabled.
func (idx *Index) Text(id string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	doc, ok := idx.docs[id]
	if !ok || !idx.opts.StoreText {
		return "", false
	}
	return doc.text, true
}

// IDF returns ln((N - df + 0.5)/(df + 0.5) + 1).
func IDF(n, df int) float64 {
	N := float64(n)
	d := float64(df)
	return math.Log((N-d+0.5)/(d+0.5) + 1)
}

// Search scores every document containing at least one query term and
// returns the top k by descending score. Ties are ordered by id.
func (idx *Index) Search(query string, k int) []*KeywordResult {
	if k <= 0 {
		return nil
	}
	terms := uniqueTerms(idx.opts.Tokenizer.Tokenize(query))

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 || len(terms) == 0 {
		return nil
	}
	n := len(idx.docs)
	avgdl := idx.avgDocLengthLocked()
	k1, b := idx.opts.K1, idx.opts.B

	scores := make(map[string]float64)
	for _, t := range terms {
		p, ok := idx.postings[t]
		if !ok {
			continue
		}
		idf := IDF(n, len(p))
		for id, tf := range p {
			dl := float64(idx.docs[id].length)
			f := float64(tf)
			norm := 1 - b
			if avgdl > 0 {
				norm += b * dl / avgdl
			}
			scores[id] += idf * f * (k1 + 1) / (f + k1*norm)
		}
	}

	results := make([]*KeywordResult, 0, len(scores))
	for id, s := range scores {
		results = append(results, &KeywordResult{ID: id, Score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type jsonState struct {
	Version      int                     `json:"version"`
	K1           float64                 `json:"k1"`
	B            float64                 `json:"b"`
	DocCount     int                     `json:"doc_count"`
	AvgDocLength float64                 `json:"avg_doc_length"`
	DocFreqs     map[string]int          `json:"doc_freqs"`
	Documents    map[string]jsonDocument `json:"documents"`
}

type jsonDocument struct {
	Tokens []string `json:"tokens"`
	Length int      `json:"length"`
	Text   string   `json:"text,omitempty"`
}

// MarshalJSON encodes the index state.
func (idx *Index) MarshalJSON() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	st := jsonState{
		Version:      stateVersion,
		K1:           idx.opts.K1,
		B:            idx.opts.B,
		DocCount:     len(idx.docs),
		AvgDocLength: idx.avgDocLengthLocked(),
		DocFreqs:     make(map[string]int, len(idx.postings)),
		Documents:    make(map[string]jsonDocument, len(idx.docs)),
	}
	for t, p := range idx.postings {
		st.DocFreqs[t] = len(p)
	}
	for id, d := range idx.docs {
		st.Documents[id] = jsonDocument{Tokens: d.tokens, Length: d.length, Text: d.text}
	}
	return json.Marshal(st)
}

// ToJSON is MarshalJSON.
func (idx *Index) ToJSON() ([]byte, error) {
	return idx.MarshalJSON()
}

// FromJSON restores an index from ToJSON output. The tokenizer comes from
// opts; k1 and b come from the stored state. Inconsistent state is rejected.
func FromJSON(data []byte, opts Options) (*Index, error) {
	var st jsonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode keyword index: %w", err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported keyword index version: %d", st.Version)
	}
	opts.K1, opts.B = st.K1, st.B
	for _, d := range st.Documents {
		if d.Text != "" {
			opts.StoreText = true
			break
		}
	}
	idx := NewIndex(opts)
	for id, d := range st.Documents {
		if d.Length != len(d.Tokens) {
			return nil, fmt.Errorf("corrupt keyword index: document %q length %d has %d tokens", id, d.Length, len(d.Tokens))
		}
		idx.addLocked(id, d.Text, d.Tokens)
	}
	if len(idx.docs) != st.DocCount {
		return nil, fmt.Errorf("corrupt keyword index: doc_count %d, found %d documents", st.DocCount, len(idx.docs))
	}
	for t, df := range st.DocFreqs {
		if len(idx.postings[t]) != df {
			return nil, fmt.Errorf("corrupt keyword index: doc_freq of %q is %d, found %d", t, df, len(idx.postings[t]))
		}
	}
	return idx, nil
}

// UnmarshalJSON replaces the receiver's state, keeping its tokenizer.
func (idx *Index) UnmarshalJSON(data []byte) error {
	idx.mu.RLock()
	opts := idx.opts
	idx.mu.RUnlock()
	restored, err := FromJSON(data, opts)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.opts = restored.opts
	idx.docs = restored.docs
	idx.postings = restored.postings
	idx.totalLength = restored.totalLength
	return nil
}
