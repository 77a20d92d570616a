package keyword

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTokenizer(t *testing.T) {
	tok := NewDefaultTokenizer()
	got := tok.Tokenize("The Quick-brown fox, a DOG's x 42!")
	assert.Equal(t, []string{"quick", "brown", "fox", "dog", "42"}, got)
	assert.Empty(t, tok.Tokenize("   "))
}

func TestUnicodeTokenizer(t *testing.T) {
	tok := NewUnicodeTokenizer()
	got := tok.Tokenize("Pi is 3.14 and the Café is open")
	assert.Equal(t, []string{"pi", "3.14", "café", "open"}, got)
}

func TestIndex_UniqueTermRanksFirst(t *testing.T) {
	idx := NewIndex(DefaultOptions())
	idx.Add("a", "vector databases store embeddings")
	idx.Add("b", "keyword search uses inverted indexes")
	idx.Add("c", "hybrid search fuses vector and keyword scores")
	idx.Add("d", "zanzibar is a unique term here")

	res := idx.Search("zanzibar", 10)
	require.Len(t, res, 1)
	assert.Equal(t, "d", res[0].ID)
	assert.Greater(t, res[0].Score, 0.0)
}

func TestIndex_ScoreMatchesFormula(t *testing.T) {
	idx := NewIndex(DefaultOptions())
	idx.Add("a", "apple banana apple")
	idx.Add("b", "banana cherry")

	res := idx.Search("apple", 10)
	require.Len(t, res, 1)

	n, df := 2, 1
	tf := 2.0
	dl := 3.0
	avgdl := (3.0 + 2.0) / 2
	idf := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
	want := idf * tf * (DefaultK1 + 1) / (tf + DefaultK1*(1-DefaultB+DefaultB*dl/avgdl))
	assert.InDelta(t, want, res[0].Score, 1e-9)
}

func TestIndex_OrderingAndK(t *testing.T) {
	idx := NewIndex(DefaultOptions())
	for i := 0; i < 20; i++ {
		idx.Add(fmt.Sprintf("doc%02d", i), strings.Repeat("go ", i+1)+"filler text words")
	}
	res := idx.Search("go", 5)
	require.Len(t, res, 5)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	assert.Empty(t, idx.Search("go", 0))
	assert.Empty(t, idx.Search("unknownterm", 5))
	assert.Empty(t, idx.Search("", 5))
}

func TestIndex_IncrementalStats(t *testing.T) {
	idx := NewIndex(DefaultOptions())
	idx.Add("a", "alpha beta gamma")
	idx.Add("b", "alpha delta")
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, 2, idx.DocFreq("alpha"))
	assert.InDelta(t, 2.5, idx.AvgDocLength(), 1e-9)

	idx.Add("a", "epsilon")
	assert.Equal(t, 1, idx.DocFreq("alpha"))
	assert.Equal(t, 0, idx.DocFreq("gamma"))
	assert.InDelta(t, 1.5, idx.AvgDocLength(), 1e-9)

	assert.True(t, idx.Remove("b"))
	assert.False(t, idx.Remove("b"))
	assert.Equal(t, 0, idx.DocFreq("alpha"))
	assert.InDelta(t, 1.0, idx.AvgDocLength(), 1e-9)
	assert.Equal(t, []string{"epsilon"}, idx.Terms())

	idx.Clear()
	assert.Equal(t, 0, idx.Len())
	assert.Zero(t, idx.AvgDocLength())
}

func TestIndex_AddMany(t *testing.T) {
	idx := NewIndex(DefaultOptions())
	idx.AddMany([]Doc{{ID: "x", Text: "storage layer"}, {ID: "y", Text: "storage engine"}})
	assert.True(t, idx.Has("x"))
	assert.Equal(t, 2, idx.DocFreq("storage"))
}

func TestIndex_CustomTokenizer(t *testing.T) {
	opts := DefaultOptions()
	opts.Tokenizer = TokenizerFunc(strings.Fields)
	idx := NewIndex(opts)
	idx.Add("a", "The a")
	assert.Equal(t, 1, idx.DocFreq("The"))
	assert.Equal(t, 1, idx.DocFreq("a"))
}

func TestIndex_JSONRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.StoreText = true
	idx := NewIndex(opts)
	idx.Add("a", "hnsw graph search")
	idx.Add("b", "bm25 keyword search")
	idx.Add("c", "hybrid graph keyword")

	data, err := idx.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), restored.Len())
	assert.Equal(t, idx.Search("graph keyword", 10), restored.Search("graph keyword", 10))
	text, ok := restored.Text("a")
	require.True(t, ok)
	assert.Equal(t, "hnsw graph search", text)

	var viaUnmarshal Index
	require.NoError(t, json.Unmarshal(data, &viaUnmarshal))
	assert.Equal(t, idx.Search("search", 10), viaUnmarshal.Search("search", 10))
}

func TestFromJSON_RejectsCorruptState(t *testing.T) {
	_, err := FromJSON([]byte(`{"version":1,"k1":1.2,"b":0.75,"doc_count":2,"documents":{"a":{"tokens":["x"],"length":1}}}`), DefaultOptions())
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"version":1,"k1":1.2,"b":0.75,"doc_count":1,"documents":{"a":{"tokens":["x"],"length":3}}}`), DefaultOptions())
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"version":9}`), DefaultOptions())
	assert.Error(t, err)

	_, err = FromJSON([]byte(`not json`), DefaultOptions())
	assert.Error(t, err)
}
