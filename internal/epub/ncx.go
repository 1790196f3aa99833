package epub

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ncxDocument represents the NCX XML structure
type ncxDocument struct {
	XMLName  xml.Name `xml:"ncx"`
	DocTitle struct {
		Text string `xml:"text"`
	} `xml:"docTitle"`
	NavMap struct {
		NavPoints []ncxNavPoint `xml:"navPoint"`
	} `xml:"navMap"`
}

// ncxNavPoint represents a navPoint element (possibly nested)
type ncxNavPoint struct {
	Label struct {
		Text string `xml:"text"`
	} `xml:"navLabel"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []ncxNavPoint `xml:"navPoint"`
}

// parseNCX parses an EPUB 2 NCX document into a TOC tree.
// baseDir is the directory containing the NCX file; content src paths are
// resolved against it.
func parseNCX(content []byte, baseDir string) (*TOC, error) {
	var doc ncxDocument
	if err := xml.Unmarshal(stripBOM(content), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse NCX XML: %w", err)
	}

	return &TOC{
		Title: strings.TrimSpace(doc.DocTitle.Text),
		Nodes: ncxNodes(doc.NavMap.NavPoints, baseDir),
	}, nil
}

// ncxNodes converts navPoint elements to TocNodes, recursing into children.
func ncxNodes(points []ncxNavPoint, baseDir string) []TocNode {
	var nodes []TocNode
	for _, np := range points {
		node := TocNode{
			Label:    collapseSpace(np.Label.Text),
			Children: ncxNodes(np.Children, baseDir),
		}
		if src := strings.TrimSpace(np.Content.Src); src != "" {
			node.Target = resolveTarget(baseDir, src)
		}
		// Drop fully empty points
		if node.Label == "" && node.Target == nil && len(node.Children) == 0 {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// findNAVPath finds the EPUB 3 navigation document in the manifest
// (item with "nav" in properties).
func findNAVPath(opf *OPF) (string, bool) {
	for _, id := range opf.manifestIDs() {
		item := opf.Manifest[id]
		for _, prop := range item.Properties {
			if prop == "nav" {
				return item.Href, true
			}
		}
	}
	return "", false
}

// parseNAV parses an EPUB 3 navigation document into a TOC tree.
// It looks for <nav epub:type="toc"> (the type attribute may carry multiple
// space-separated tokens) and falls back to the first nav containing a list.
func parseNAV(content []byte, baseDir string) (*TOC, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nav document: %w", err)
	}

	var nav *goquery.Selection
	doc.Find("nav").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if typeAttr, ok := s.Attr("epub:type"); ok {
			for _, token := range strings.Fields(typeAttr) {
				if token == "toc" {
					nav = s
					return false
				}
			}
		}
		return true
	})
	if nav == nil {
		// Some books omit epub:type on the toc nav
		doc.Find("nav").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.ChildrenFiltered("ol, ul").Length() > 0 {
				nav = s
				return false
			}
			return true
		})
	}
	if nav == nil {
		return nil, errors.New("no toc nav element found in navigation document")
	}

	title := collapseSpace(nav.ChildrenFiltered("h1, h2, h3, h4, h5, h6").First().Text())
	if title == "" {
		title = collapseSpace(doc.Find("title").First().Text())
	}

	return &TOC{
		Title: title,
		Nodes: parseNavList(nav.ChildrenFiltered("ol, ul").First(), baseDir),
	}, nil
}

// parseNavList converts the li children of a nav list into TocNodes.
func parseNavList(list *goquery.Selection, baseDir string) []TocNode {
	var nodes []TocNode
	list.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		var children []TocNode
		if sub := li.ChildrenFiltered("ol, ul").First(); sub.Length() > 0 {
			children = parseNavList(sub, baseDir)
		}

		// The entry's own link or label lives outside any nested list.
		// Work on a clone so removing the sublist does not mutate the tree.
		entry := li.Clone()
		entry.ChildrenFiltered("ol, ul").Remove()

		node := TocNode{Children: children}
		if a := entry.Find("a").First(); a.Length() > 0 {
			node.Label = collapseSpace(a.Text())
			if href, ok := a.Attr("href"); ok && strings.TrimSpace(href) != "" {
				node.Target = resolveTarget(baseDir, href)
			}
		} else {
			// Grouping label without a link
			node.Label = collapseSpace(entry.Text())
		}

		if node.Label == "" && node.Target == nil && len(node.Children) == 0 {
			return
		}
		nodes = append(nodes, node)
	})
	return nodes
}

// LoadTOC loads the table of contents, preferring the NCX declared in the
// spine toc attribute and falling back to the EPUB 3 nav document. Returns
// (nil, nil) when the container declares neither; the caller synthesizes a
// fallback TOC in that case.
func LoadTOC(r *Reader, opf *OPF) (*TOC, error) {
	if opf.NCXPath != "" {
		content, err := r.ReadFile(opf.NCXPath)
		switch {
		case err == nil:
			if toc, perr := parseNCX(content, dirOf(opf.NCXPath)); perr == nil {
				return toc, nil
			}
			// Unparsable NCX falls through to the nav document
		case !errors.Is(err, ErrFileNotFound):
			return nil, err
		}
	}

	if navPath, ok := findNAVPath(opf); ok {
		content, err := r.ReadFile(navPath)
		switch {
		case err == nil:
			if toc, perr := parseNAV(content, dirOf(navPath)); perr == nil {
				return toc, nil
			}
		case !errors.Is(err, ErrFileNotFound):
			return nil, err
		}
	}

	return nil, nil
}

// resolveTarget splits src into path and fragment and resolves the path
// against baseDir. Returns nil when nothing usable remains.
func resolveTarget(baseDir, src string) *TocTarget {
	p, frag := splitFragment(strings.TrimSpace(src))
	target := &TocTarget{Fragment: frag}
	if p != "" {
		target.Path = ResolvePath(baseDir, p)
	}
	if target.Path == "" && target.Fragment == "" {
		return nil
	}
	return target
}

// splitFragment splits a source reference into the path and fragment identifier.
func splitFragment(src string) (path, fragment string) {
	if src == "" {
		return "", ""
	}
	parts := strings.SplitN(src, "#", 2)
	path = parts[0]
	if len(parts) == 2 {
		fragment = parts[1]
	}
	return path, fragment
}

// collapseSpace trims and collapses runs of whitespace to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dirOf returns the container directory of p, empty for top-level entries.
func dirOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}
