// Package render writes converted books to disk as standalone HTML
// directories. Each book becomes one self-contained directory holding
// index.html, the reader's static assets and the transcoded images, so
// the result can be opened from the filesystem or served as-is.
package render

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/isurajpanda/epub-to-html/internal/converter"
)

//go:embed templates/page.html.tmpl
var pageTemplateText string

//go:embed static/style.css
var defaultStyle []byte

//go:embed static/script.js
var readerScript []byte

//go:embed static/placeholder.svg
var placeholderSVG []byte

var pageTemplate = template.Must(template.New("page").Parse(pageTemplateText))

var (
	slugRe       = regexp.MustCompile(`[^a-z0-9]+`)
	styleBreakRe = regexp.MustCompile(`(?i)</style`)
)

// Slug derives a directory name for a book from its input path:
// "My Great Novel!.epub" becomes "my-great-novel".
func Slug(input string) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	s := slugRe.ReplaceAllString(strings.ToLower(base), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "book"
	}
	return s
}

// Writer renders conversion output as a standalone HTML directory. It
// implements converter.Renderer.
type Writer struct {
	// CustomCSS optionally names a style sheet file that replaces the
	// built-in one.
	CustomCSS string

	log zerolog.Logger
}

func NewWriter(customCSS string, log zerolog.Logger) *Writer {
	return &Writer{CustomCSS: customCSS, log: log}
}

// Render writes out into its output directory. Files are staged into a
// hidden sibling directory and renamed into place only once every write
// succeeded, so a failed job leaves no partial output behind and a
// rerun replaces the previous result atomically.
func (w *Writer) Render(ctx context.Context, out *converter.Output) error {
	target := out.OutputDir
	if target == "" {
		return fmt.Errorf("output directory not set")
	}
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating output parent: %w", err)
	}

	staging := filepath.Join(parent, ".staging-"+uuid.NewString())
	if err := w.writeTree(ctx, staging, out); err != nil {
		os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("clearing previous output: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("publishing output: %w", err)
	}
	w.log.Debug().Str("dir", target).Msg("output published")
	return nil
}

func (w *Writer) writeTree(ctx context.Context, dir string, out *converter.Output) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	style := defaultStyle
	if w.CustomCSS != "" {
		custom, err := os.ReadFile(w.CustomCSS)
		if err != nil {
			return fmt.Errorf("reading custom style sheet: %w", err)
		}
		style = custom
	}

	for _, sub := range []string{"static", "images"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}

	assets := map[string][]byte{
		filepath.Join("static", "style.css"):       style,
		filepath.Join("static", "script.js"):       readerScript,
		filepath.Join("static", "placeholder.svg"): placeholderSVG,
	}
	for name, data := range assets {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	for _, img := range out.Images {
		if img.Name == "" || len(img.Data) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, "images", img.Name), img.Data, 0o644); err != nil {
			return fmt.Errorf("writing image %s: %w", img.Name, err)
		}
	}
	if out.Cover != nil {
		for _, img := range []converter.TranscodedImage{out.Cover.Image, out.Cover.Thumb} {
			if img.Name == "" || len(img.Data) == 0 {
				continue
			}
			if err := os.WriteFile(filepath.Join(dir, "images", img.Name), img.Data, 0o644); err != nil {
				return fmt.Errorf("writing cover %s: %w", img.Name, err)
			}
		}
	}

	page, err := w.renderPage(out)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), page, 0o644); err != nil {
		return fmt.Errorf("writing index.html: %w", err)
	}
	return nil
}

// pageData is the template payload for index.html.
type pageData struct {
	Title     string
	Author    string
	Language  string
	BookCSS   template.CSS
	Body      template.HTML
	TOC       []converter.TOCEntry
	MetaJSON  template.JS
	CoverHref string
	ThumbHref string
	CoverOnly bool
}

// bookMeta is the machine-readable island embedded in index.html.
type bookMeta struct {
	Title       string   `json:"title"`
	Author      string   `json:"author,omitempty"`
	Creators    []string `json:"creators,omitempty"`
	Language    string   `json:"language,omitempty"`
	Identifier  string   `json:"identifier,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	Date        string   `json:"date,omitempty"`
	Description string   `json:"description,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
	Sections    int      `json:"sections"`
	Images      int      `json:"images"`
}

func (w *Writer) renderPage(out *converter.Output) ([]byte, error) {
	meta := bookMeta{
		Title:       out.Title,
		Author:      out.Author,
		Language:    out.Metadata.Language,
		Identifier:  out.Metadata.Identifier,
		Publisher:   out.Metadata.Publisher,
		Date:        out.Metadata.Date,
		Description: out.Metadata.Description,
		Subjects:    out.Metadata.Subjects,
		Sections:    len(out.IDMap),
		Images:      len(out.Images),
	}
	for _, c := range out.Metadata.Creators {
		meta.Creators = append(meta.Creators, c.Name)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	data := pageData{
		Title:     out.Title,
		Author:    out.Author,
		Language:  out.Metadata.Language,
		BookCSS:   template.CSS(escapeStyleBreak(out.BookCSS)),
		Body:      template.HTML(out.BodyHTML),
		TOC:       out.TOC,
		MetaJSON:  template.JS(metaJSON),
		CoverOnly: out.CoverOnly,
	}
	if out.Cover != nil {
		if out.Cover.Image.Name != "" {
			data.CoverHref = "images/" + out.Cover.Image.Name
		}
		if out.Cover.Thumb.Name != "" {
			data.ThumbHref = "images/" + out.Cover.Thumb.Name
		}
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return buf.Bytes(), nil
}

// escapeStyleBreak keeps inlined book CSS from closing the style element
// it is embedded in.
func escapeStyleBreak(css string) string {
	return styleBreakRe.ReplaceAllString(css, `<\/style`)
}
