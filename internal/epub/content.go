package epub

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Content represents a parsed XHTML content file
type Content struct {
	ID        string            // Manifest ID
	Path      string            // File path within the container
	Document  *goquery.Document // Parsed HTML document
	CSSLinks  []string          // Referenced CSS file paths
	ImageRefs []string          // Referenced image paths
	BodyAttrs map[string]string // class/dir/lang attributes of the source body
}

// LoadContent parses an XHTML content file and collects its resource
// references resolved to container-absolute paths.
func LoadContent(id, contentPath string, content []byte) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(stripBOM(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XHTML: %w", err)
	}

	c := &Content{
		ID:        id,
		Path:      normalizePath(contentPath),
		Document:  doc,
		CSSLinks:  []string{},
		ImageRefs: []string{},
		BodyAttrs: map[string]string{},
	}

	baseDir := dirOf(c.Path)

	// Layout attributes on body (falling back to the html element) carry
	// writing direction and language; they are preserved on the merged
	// chapter wrappers.
	body := doc.Find("body").First()
	htmlEl := doc.Find("html").First()
	for _, key := range []string{"class", "dir", "lang", "xml:lang"} {
		if v, ok := body.Attr(key); ok && strings.TrimSpace(v) != "" {
			c.BodyAttrs[key] = v
		} else if v, ok := htmlEl.Attr(key); ok && strings.TrimSpace(v) != "" {
			c.BodyAttrs[key] = v
		}
	}

	// Collect CSS links
	doc.Find("link[rel='stylesheet']").Each(func(i int, s *goquery.Selection) {
		if href, exists := s.Attr("href"); exists {
			if resolved := ResolvePath(baseDir, href); resolved != "" {
				c.CSSLinks = append(c.CSSLinks, resolved)
			}
		}
	})

	// Collect image references
	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		if src, exists := s.Attr("src"); exists {
			if resolved := ResolvePath(baseDir, src); resolved != "" {
				c.ImageRefs = append(c.ImageRefs, resolved)
			}
		}
	})

	// SVG image elements reference via xlink:href
	doc.Find("image").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("xlink:href")
		if !exists {
			href, exists = s.Attr("href")
		}
		if exists {
			if resolved := ResolvePath(baseDir, href); resolved != "" {
				c.ImageRefs = append(c.ImageRefs, resolved)
			}
		}
	})

	return c, nil
}

// FirstHeading returns the text of the first h1, h2, or h3 element in
// document order, empty when none exists.
func (c *Content) FirstHeading() string {
	return collapseSpace(c.Document.Find("h1, h2, h3").First().Text())
}

// Title returns the document title element text.
func (c *Content) Title() string {
	return collapseSpace(c.Document.Find("title").First().Text())
}

// ResolvePath resolves a reference relative to a base directory into a
// container-absolute path. Percent-encoding is decoded, "." and ".."
// segments are collapsed, and references that escape the container root or
// point outside it (absolute paths, URLs) yield an empty string.
func ResolvePath(baseDir, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "://") {
		return ""
	}
	if decoded, err := url.PathUnescape(ref); err == nil {
		ref = decoded
	}
	joined := path.Join(baseDir, ref)
	cleaned := path.Clean(joined)
	if !isSafePath(cleaned) {
		return ""
	}
	return cleaned
}
