// Package fileid derives stable document ids for files and the chunks cut
// from them.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"
)

const prefix = "file:"

// chunkSep joins a source id and a chunk index.
const chunkSep = "#"

// FileDocID returns a stable document ID for the given absolute path.
// Same path always yields the same ID.
func FileDocID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// ChunkID returns "<sourceID>#<index>".
func ChunkID(sourceID string, index int) string {
	return sourceID + chunkSep + strconv.Itoa(index)
}

// SplitChunkID is the inverse of ChunkID. ok is false when id has no
// numeric chunk suffix.
func SplitChunkID(id string) (sourceID string, index int, ok bool) {
	i := strings.LastIndex(id, chunkSep)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
