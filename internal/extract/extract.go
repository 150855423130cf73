// Package extract turns uploaded files into text or an inline image for script generation.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Kind of extracted content
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

const docxMIMEType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Content is the result of extraction: text, or raw image bytes.
type Content struct {
	Kind     Kind
	Text     string
	Data     []byte
	MIMEType string
}

// Extract dispatches on the MIME type, falling back to the file extension.
func Extract(name, mimeType string, data []byte) (*Content, error) {
	ext := strings.ToLower(filepath.Ext(name))
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &Content{Kind: KindImage, Data: data, MIMEType: mimeType}, nil

	case mimeType == "application/pdf" || ext == ".pdf":
		text, err := pdfText(data)
		if err != nil {
			return nil, fmt.Errorf("extract pdf %s: %w", name, err)
		}
		return &Content{Kind: KindText, Text: text}, nil

	case mimeType == docxMIMEType || ext == ".docx":
		text, err := docxText(data)
		if err != nil {
			return nil, fmt.Errorf("extract docx %s: %w", name, err)
		}
		return &Content{Kind: KindText, Text: text}, nil

	case mimeType == "text/plain" || ext == ".txt" || ext == ".doc":
		return &Content{Kind: KindText, Text: string(data)}, nil
	}

	kind := mimeType
	if kind == "" {
		kind = ext
	}
	return nil, fmt.Errorf("unsupported file type: %s", kind)
}

func pdfText(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimSpace(content))
	}
	return strings.Join(pages, " "), nil
}

// docxText collects the text runs of word/document.xml, one line per paragraph.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("missing word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var paragraphs []string
	var current strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(current.String()); s != "" {
					paragraphs = append(paragraphs, s)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}
