// Package script holds the narration script model produced by generation.
package script

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/narrator/internal/apperr"
)

// Section is one titled part of a script
type Section struct {
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
}

// Script is a generated narration: a short summary plus ordered sections.
type Script struct {
	Summary  string    `json:"summary"`
	Sections []Section `json:"script"`
}

// Image is an inline image handed to generation
type Image struct {
	Data     []byte
	MIMEType string
}

// Generator turns source text (and optionally an image) into a Script.
type Generator interface {
	Generate(ctx context.Context, text string, image *Image) (*Script, error)
}

// Paragraphs flattens every section in order; this is the narration queue.
func (s *Script) Paragraphs() []string {
	var out []string
	for _, sec := range s.Sections {
		for _, p := range sec.Paragraphs {
			if strings.TrimSpace(p) != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ContextText renders the script as grounding context for question answering.
func (s *Script) ContextText() string {
	parts := make([]string, 0, len(s.Sections))
	for _, sec := range s.Sections {
		parts = append(parts, fmt.Sprintf("Section: %s\n%s", sec.Title, strings.Join(sec.Paragraphs, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

// Parse decodes and validates the upstream JSON representation.
func Parse(data []byte) (*Script, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, apperr.Generation("parse script", errors.New("empty response"))
	}

	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperr.Generation("parse script", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the script is complete enough to narrate
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Summary) == "" {
		return apperr.Newf(apperr.ErrGeneration, "validate script", "missing summary")
	}
	if len(s.Sections) == 0 {
		return apperr.Newf(apperr.ErrGeneration, "validate script", "script has no sections")
	}
	for i, sec := range s.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			return apperr.Newf(apperr.ErrGeneration, "validate script", "section %d has no title", i)
		}
	}
	if len(s.Paragraphs()) == 0 {
		return apperr.Newf(apperr.ErrGeneration, "validate script", "script has no paragraphs")
	}
	return nil
}

// ParseDataURL decodes a "data:<mime>;base64,<payload>" image.
func ParseDataURL(url string) (*Image, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, apperr.Newf(apperr.ErrGeneration, "parse image", "Invalid image data")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, apperr.Newf(apperr.ErrGeneration, "parse image", "Invalid image data")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || mimeType == "" {
		return nil, apperr.Newf(apperr.ErrGeneration, "parse image", "Invalid image data")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return nil, apperr.Newf(apperr.ErrGeneration, "parse image", "Invalid image data")
	}
	return &Image{Data: data, MIMEType: mimeType}, nil
}
