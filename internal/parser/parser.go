package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ContentType enumerates the supported upload formats.
type ContentType string

const (
	TypePDF  ContentType = "pdf"
	TypeDOCX ContentType = "docx"
	TypeTXT  ContentType = "txt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptDocument   = errors.New("could not extract any text from document")
)

// TypeFromMIME maps a declared MIME type (or file extension fallback) onto a
// ContentType. Returns ErrUnsupportedFormat for anything else.
func TypeFromMIME(mime, filename string) (ContentType, error) {
	switch mime {
	case "application/pdf":
		return TypePDF, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return TypeDOCX, nil
	case "text/plain":
		return TypeTXT, nil
	case "":
		lower := strings.ToLower(filename)
		switch {
		case strings.HasSuffix(lower, ".pdf"):
			return TypePDF, nil
		case strings.HasSuffix(lower, ".docx"):
			return TypeDOCX, nil
		case strings.HasSuffix(lower, ".txt"):
			return TypeTXT, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mime)
}

// Extract converts raw document bytes into normalized plain text. It is a
// pure function: the same input always yields the same output, so chunk
// boundaries are stable across re-ingestion.
func Extract(content []byte, contentType ContentType) (string, error) {
	var (
		text string
		err  error
	)
	switch contentType {
	case TypePDF:
		text, err = extractPDF(content)
	case TypeDOCX:
		text, err = extractDOCX(content)
	case TypeTXT:
		text, err = extractTXT(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, contentType)
	}
	if err != nil {
		return "", err
	}
	text = Normalize(text)
	if text == "" {
		return "", ErrCorruptDocument
	}
	return text, nil
}

func extractPDF(content []byte) (text string, err error) {
	// ledongthuc/pdf panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrCorruptDocument, rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}

	var b strings.Builder
	numPages := reader.NumPage()
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// extractDOCX reads paragraph text out of the WordprocessingML body. A .docx
// file is a zip archive whose word/document.xml holds the text runs.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("%w: missing word/document.xml", ErrCorruptDocument)
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	defer rc.Close()
	return decodeWordprocessingML(rc)
}

func decodeWordprocessingML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "br":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
	return b.String(), nil
}

func extractTXT(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrCorruptDocument)
	}
	return string(content), nil
}

// Normalize makes whitespace deterministic: CRLF becomes LF, trailing spaces
// are stripped per line, runs of blank lines collapse to a single blank line,
// and outer whitespace is trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
