// Package extract turns document files into plain text for ingestion.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

type extractFunc func(content []byte) (string, error)

// formats maps a lower-case extension to its extractor. Anything else is
// read as plain text.
var formats = map[string]extractFunc{
	".pdf":  fromPDF,
	".docx": fromDOCX,
	".pptx": fromPPTX,
	".xlsx": fromXLSX,
	".odp":  fromODP,
	".ods":  fromODS,
	".odt":  fromLegacy,
	".rtf":  fromLegacy,
}

// Extractor extracts plain text from document files.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract reads path and returns its text.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content according to ext, which includes
// the leading dot. Unknown extensions are treated as UTF-8 text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	if fn, ok := formats[strings.ToLower(ext)]; ok {
		return fn(content)
	}
	return plain(content), nil
}

// Binary reports whether ext needs a format-specific extractor.
func Binary(ext string) bool {
	_, ok := formats[strings.ToLower(ext)]
	return ok
}

// Extensions returns the extensions with a dedicated extractor, sorted.
func Extensions() []string {
	out := make([]string, 0, len(formats))
	for ext := range formats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// plain replaces invalid UTF-8 with U+FFFD.
func plain(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), "\ufffd")
}

// joinFields joins trimmed non-empty pieces with single spaces.
func joinFields(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}
