// Package cli provides output helpers for the kura command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/models"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact SearchOutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// ParseOutputFormat maps a flag value to a format. Unknown values are text.
func ParseOutputFormat(s string) SearchOutputFormat {
	switch SearchOutputFormat(strings.ToLower(s)) {
	case OutputJSON:
		return OutputJSON
	case OutputCompact:
		return OutputCompact
	default:
		return OutputText
	}
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Score, r.ID, TruncateWords(oneLine(r.Content), 12))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms", response.Total, response.QueryTime)
	if response.Mode != "" {
		fmt.Fprintf(w, " (%s search in %q)", response.Mode, response.Collection)
	}
	fmt.Fprint(w, "\n\n")
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Vector: %.4f, Keyword: %.4f)\n",
		result.Rank, result.Score, result.VectorScore, result.KeywordScore)
	fmt.Fprintf(w, "ID: %s\n", result.ID)
	if src, ok := result.Metadata[indexer.MetaSourcePath].(string); ok && src != "" {
		fmt.Fprintf(w, "Source: %s\n", src)
	} else if src, ok := result.Metadata[indexer.MetaSourceID].(string); ok && src != "" {
		fmt.Fprintf(w, "Source: %s\n", src)
	}
	if result.Content != "" {
		fmt.Fprintf(w, "\n%s\n", Truncate(result.Content, 200))
	}
	fmt.Fprintln(w)
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// CollectionStatus is one row of the status output.
type CollectionStatus struct {
	models.Collection
	Count int `json:"count"`
}

// WriteStatus writes collection statistics.
func WriteStatus(w io.Writer, collections []CollectionStatus, estimatedSize int64, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{
			"collections":    collections,
			"estimated_size": estimatedSize,
		})
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i].Name < collections[j].Name })
	fmt.Fprintf(w, "Collections: %d\n", len(collections))
	for _, c := range collections {
		flags := c.Metric
		if c.KeywordIndex {
			flags += ", keyword"
		}
		if c.Encrypted {
			flags += ", encrypted"
		}
		fmt.Fprintf(w, "  %-20s %8d records  %4d dims  (%s)\n", c.Name, c.Count, c.Dimensions, flags)
	}
	fmt.Fprintf(w, "Estimated size: %s\n", FormatBytes(estimatedSize))
	return nil
}

// WriteReport writes an ingest report.
func WriteReport(w io.Writer, collection string, report indexer.Report, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "Ingested %d sources into %q: %d chunks in %d batches (%s)\n",
		report.Sources, collection, report.Chunks, report.Batches, report.Took.Round(time.Millisecond))
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped: %s\n", strings.Join(report.Skipped, ", "))
	}
	return nil
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
