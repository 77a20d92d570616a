// Package keyword provides keyword (BM25) indexing and search.
package keyword

// KeywordIndex defines keyword search operations over a collection's documents.
type KeywordIndex interface {
	Add(id, text string)
	AddMany(docs []Doc)
	Remove(id string) bool
	Search(query string, k int) []*KeywordResult
	Has(id string) bool
	Len() int
	Clear()
}

// Doc is a document handed to AddMany.
type Doc struct {
	ID   string
	Text string
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}

// TermDictionary exposes the index vocabulary.
type TermDictionary interface {
	// DocFreq returns the number of documents containing term.
	DocFreq(term string) int
	// Terms returns all indexed terms in lexical order.
	Terms() []string
}

var (
	_ KeywordIndex   = (*Index)(nil)
	_ TermDictionary = (*Index)(nil)
)
