package search

import (
	"testing"
)

func TestSnippet(t *testing.T) {
	if Snippet("short", nil, 10) != "short" {
		t.Error("short string should be unchanged")
	}
	if got := Snippet("long text here", nil, 4); got != "long..." {
		t.Errorf("got %s", got)
	}
	if Snippet("x", nil, 0) != "x" {
		t.Error("maxLen 0 should return as-is")
	}
}

func TestSnippet_WindowsAroundTerm(t *testing.T) {
	content := "aaaaaaaaaaaaaaaaaaaa needle bbbbbbbbbbbbbbbbbbbb"
	got := Snippet(content, []string{"NEEDLE"}, 12)
	if got != "...aa needle bb..." {
		t.Errorf("got %q", got)
	}
}

func TestSnippet_Runes(t *testing.T) {
	got := Snippet("日本語のテキストです", nil, 3)
	if got != "日本語..." {
		t.Errorf("got %q", got)
	}
}
