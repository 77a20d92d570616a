package extract

import (
	"fmt"
	"strings"

	"github.com/lu4p/cat"
)

// fromLegacy handles ODT and RTF, which cat detects from content.
func fromLegacy(content []byte) (string, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return "", fmt.Errorf("extract document: %w", err)
	}
	return strings.TrimSpace(text), nil
}
