// Package extract turns uploaded files into plain text and splits the text
// into overlapping word windows that become a document's chunks.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	// MaxPDFPages limits the number of pages read from one PDF.
	MaxPDFPages = 500
	// MaxTextSize limits the extracted text of one file (8MB).
	MaxTextSize = 8 << 20
)

var (
	// ErrEmpty is returned when a file yields no text.
	ErrEmpty = errors.New("no extractable text")
	// ErrUnsupported is returned for formats other than PDF, HTML and text.
	ErrUnsupported = errors.New("unsupported file type")
	// ErrTooLarge is returned when a file exceeds the page or size limits.
	ErrTooLarge = errors.New("file too large")
)

// Kind is a detected file format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindHTML Kind = "html"
	KindText Kind = "text"
)

// Detect determines the format of data. Magic bytes win over the content
// type, which wins over the file extension.
func Detect(name, contentType string, data []byte) (Kind, error) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF, nil
	}
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "application/pdf":
		return KindPDF, nil
	case "text/html", "application/xhtml+xml":
		return KindHTML, nil
	case "text/plain", "text/markdown":
		return KindText, nil
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF, nil
	case ".html", ".htm", ".xhtml":
		return KindHTML, nil
	case ".txt", ".md", ".markdown", ".text":
		return KindText, nil
	}
	if looksLikeHTML(data) {
		return KindHTML, nil
	}
	if utf8.Valid(data) {
		return KindText, nil
	}
	return "", fmt.Errorf("%w: name=%q content_type=%q", ErrUnsupported, name, contentType)
}

func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	s := strings.ToLower(strings.TrimSpace(string(head)))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html")
}

// Text extracts normalized plain text from a file.
func Text(name, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	kind, err := Detect(name, contentType, data)
	if err != nil {
		return "", err
	}
	var text string
	switch kind {
	case KindPDF:
		text, err = FromPDF(bytes.NewReader(data), int64(len(data)))
	case KindHTML:
		text, err = FromHTML(bytes.NewReader(data))
	default:
		text, err = FromText(data)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// FromPDF extracts the text of every page. Pages that fail to decode are
// skipped.
func FromPDF(r io.ReaderAt, size int64) (string, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	pages := reader.NumPage()
	if pages == 0 {
		return "", ErrEmpty
	}
	if pages > MaxPDFPages {
		return "", fmt.Errorf("%w: %d pages, max %d", ErrTooLarge, pages, MaxPDFPages)
	}

	var sb strings.Builder
	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		cleaned := normalize(strings.ReplaceAll(text, "\x00", ""))
		if cleaned == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(cleaned)
		if sb.Len() > MaxTextSize {
			return "", fmt.Errorf("%w: text exceeds %d bytes", ErrTooLarge, MaxTextSize)
		}
	}
	return sb.String(), nil
}

// FromHTML extracts the visible text of an HTML document. Script, style and
// other non-content elements are dropped; block elements end a line.
func FromHTML(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipElement[n.Data] {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElement[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(root)
	if sb.Len() > MaxTextSize {
		return "", fmt.Errorf("%w: text exceeds %d bytes", ErrTooLarge, MaxTextSize)
	}
	return normalize(sb.String()), nil
}

var skipElement = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true, "iframe": true,
}

var blockElement = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
	"table": true, "ul": true, "ol": true,
}

// FromText validates and normalizes plain text. A UTF-8 byte order mark is
// removed.
func FromText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrUnsupported)
	}
	if len(data) > MaxTextSize {
		return "", fmt.Errorf("%w: text exceeds %d bytes", ErrTooLarge, MaxTextSize)
	}
	return normalize(string(data)), nil
}

// normalize collapses runs of horizontal whitespace to one space and runs of
// blank lines to one newline.
func normalize(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
