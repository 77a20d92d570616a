package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	contentTypesPart = "[Content_Types].xml"
	docxDefaultPart  = "word/document.xml"
	docxMainType     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	pptxSlidePrefix  = "ppt/slides/slide"
	openDocContent   = "content.xml"
)

var (
	// <w:t> and <a:t> runs, with or without attributes.
	wordRun  = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	slideRun = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)

	// The main document part, in either attribute order.
	docxPartFirst = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainType) + `"`)
	docxTypeFirst = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainType) + `"[^>]+PartName="([^"]+)"`)

	odParagraph = regexp.MustCompile(`<text:p[^>]*>([^<]*)</text:p>`)
	odSpan      = regexp.MustCompile(`<text:span[^>]*>([^<]*)</text:span>`)
	odHeading   = regexp.MustCompile(`<text:h[^>]*>([^<]*)</text:h>`)

	slideNumber = regexp.MustCompile(`(\d+)\.xml$`)
)

type archive struct {
	format string
	zr     *zip.Reader
}

func openArchive(format string, content []byte) (*archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return &archive{format: format, zr: zr}, nil
}

// part returns the bytes of the named entry. found is false when it is absent.
func (a *archive) part(name string) (data []byte, found bool, err error) {
	for _, f := range a.zr.File {
		if f.Name != name {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, true, fmt.Errorf("extract %s: %s: %w", a.format, name, err)
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (a *archive) mustPart(name string) ([]byte, error) {
	data, found, err := a.part(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("extract %s: %s not found", a.format, name)
	}
	return data, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func captures(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m[1]
	}
	return out
}

func fromDOCX(content []byte) (string, error) {
	a, err := openArchive("DOCX", content)
	if err != nil {
		return "", err
	}
	doc, err := a.mustPart(a.docxMainPart())
	if err != nil {
		return "", err
	}
	return joinFields(captures(wordRun, string(doc))), nil
}

// docxMainPart reads the main document location from [Content_Types].xml,
// falling back to word/document.xml.
func (a *archive) docxMainPart() string {
	types, found, err := a.part(contentTypesPart)
	if err != nil || !found {
		return docxDefaultPart
	}
	for _, re := range []*regexp.Regexp{docxPartFirst, docxTypeFirst} {
		if m := re.FindSubmatch(types); len(m) > 1 {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return docxDefaultPart
}

// fromPPTX reads slides in slide-number order.
func fromPPTX(content []byte) (string, error) {
	a, err := openArchive("PPTX", content)
	if err != nil {
		return "", err
	}
	var slides []*zip.File
	for _, f := range a.zr.File {
		if strings.HasPrefix(f.Name, pptxSlidePrefix) && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}
	sort.SliceStable(slides, func(i, j int) bool {
		return slideIndex(slides[i].Name) < slideIndex(slides[j].Name)
	})
	var runs []string
	for _, f := range slides {
		data, err := readEntry(f)
		if err != nil {
			return "", fmt.Errorf("extract PPTX: %s: %w", f.Name, err)
		}
		runs = append(runs, captures(slideRun, string(data))...)
	}
	return joinFields(runs), nil
}

func slideIndex(name string) int {
	m := slideNumber.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func fromODP(content []byte) (string, error) {
	return fromOpenDocument("ODP", content, odParagraph, odSpan, odHeading)
}

func fromODS(content []byte) (string, error) {
	return fromOpenDocument("ODS", content, odParagraph, odSpan)
}

func fromOpenDocument(format string, content []byte, elements ...*regexp.Regexp) (string, error) {
	a, err := openArchive(format, content)
	if err != nil {
		return "", err
	}
	data, err := a.mustPart(openDocContent)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, re := range elements {
		parts = append(parts, captures(re, string(data))...)
	}
	return joinFields(parts), nil
}
