package keyword

import (
	"strings"

	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
)

// UnicodeTokenizer segments text with bleve's Unicode word tokenizer
// (UAX #29 word boundaries) and applies the same length and stop word
// filters as DefaultTokenizer. Unlike DefaultTokenizer it keeps tokens
// such as "3.14" and "don't" whole.
type UnicodeTokenizer struct {
	MinTokenLength int
	StopWords      map[string]struct{}
	segmenter      *unicode.UnicodeTokenizer
}

// NewUnicodeTokenizer returns a UnicodeTokenizer with the English stop words.
func NewUnicodeTokenizer() *UnicodeTokenizer {
	return &UnicodeTokenizer{
		MinTokenLength: DefaultMinTokenLength,
		StopWords:      EnglishStopWords(),
		segmenter:      unicode.NewUnicodeTokenizer(),
	}
}

// Tokenize implements Tokenizer.
func (t *UnicodeTokenizer) Tokenize(text string) []string {
	stream := t.segmenter.Tokenize([]byte(text))
	tokens := make([]string, 0, len(stream))
	for _, tok := range stream {
		tokens = append(tokens, strings.ToLower(string(tok.Term)))
	}
	return filterTokens(tokens, t.MinTokenLength, t.StopWords)
}
