// Package textextract pulls plain text out of the document formats the
// discovery pipeline can classify.
package textextract

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

var ErrUnsupported = errors.New("unsupported file type")

type Kind string

const (
	KindPDF      Kind = "pdf"
	KindDOCX     Kind = "docx"
	KindText     Kind = "txt"
	KindMarkdown Kind = "md"
	KindCSV      Kind = "csv"
	KindHTML     Kind = "html"
)

type ExtractedText struct {
	Content string
	Pages   int
	Kind    Kind
}

// KindFor picks the format from the file extension, falling back to the
// MIME type.
func KindFor(filename, mimeType string) (Kind, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return KindPDF, nil
	case ".docx":
		return KindDOCX, nil
	case ".txt", ".text", ".log":
		return KindText, nil
	case ".md", ".markdown":
		return KindMarkdown, nil
	case ".csv":
		return KindCSV, nil
	case ".html", ".htm":
		return KindHTML, nil
	}

	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch mt {
	case "application/pdf":
		return KindPDF, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX, nil
	case "text/plain":
		return KindText, nil
	case "text/markdown":
		return KindMarkdown, nil
	case "text/csv":
		return KindCSV, nil
	case "text/html":
		return KindHTML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, filename)
}

func Extract(data io.ReaderAt, size int64, kind Kind) (*ExtractedText, error) {
	var (
		text  string
		pages = 1
		err   error
	)
	switch kind {
	case KindPDF:
		text, pages, err = extractPDF(data, size)
	case KindDOCX:
		text, err = extractDOCX(data, size)
	case KindText, KindMarkdown:
		text, err = extractPlain(data, size)
	case KindCSV:
		text, err = extractCSV(data, size)
	case KindHTML:
		text, err = extractHTML(data, size)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}
	return &ExtractedText{Content: strings.TrimSpace(text), Pages: pages, Kind: kind}, nil
}

func SupportedKinds() []Kind {
	return []Kind{KindPDF, KindDOCX, KindText, KindMarkdown, KindCSV, KindHTML}
}

func extractPDF(data io.ReaderAt, size int64) (text string, pages int, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(data, size)
	if err != nil {
		return "", 0, fmt.Errorf("open PDF: %w", err)
	}

	var buf strings.Builder
	numPages := reader.NumPage()

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}
	return buf.String(), numPages, nil
}

func extractDOCX(data io.ReaderAt, size int64) (string, error) {
	reader, err := zip.NewReader(data, size)
	if err != nil {
		return "", fmt.Errorf("open DOCX: %w", err)
	}

	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read document.xml: %w", err)
		}
		return stripXMLTags(string(content)), nil
	}
	return "", fmt.Errorf("open DOCX: word/document.xml missing")
}

func extractPlain(data io.ReaderAt, size int64) (string, error) {
	buf := make([]byte, size)
	_, err := data.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(bytes.TrimSpace(buf)), nil
}

// extractCSV flattens rows into " | " separated lines.
func extractCSV(data io.ReaderAt, size int64) (string, error) {
	r := csv.NewReader(io.NewSectionReader(data, 0, size))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var buf strings.Builder
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read CSV: %w", err)
		}
		buf.WriteString(strings.Join(rec, " | "))
		buf.WriteString("\n")
	}
	return buf.String(), nil
}

func extractHTML(data io.ReaderAt, size int64) (string, error) {
	doc, err := goquery.NewDocumentFromReader(io.NewSectionReader(data, 0, size))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	// keep block boundaries as word breaks
	doc.Find("p, div, br, li, tr, td, th, h1, h2, h3, h4, h5, h6").AppendHtml(" ")

	title := strings.TrimSpace(doc.Find("title").First().Text())
	body := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if title != "" && !strings.HasPrefix(body, title) {
		return title + "\n" + body, nil
	}
	return body, nil
}

func stripXMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			result.WriteRune(' ')
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}
