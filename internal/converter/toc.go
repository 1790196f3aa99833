package converter

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/isurajpanda/epub-to-html/internal/epub"
)

// TOCEntry is one node of the rendered table of contents. Entries with an
// empty Href group their children without being navigable themselves.
type TOCEntry struct {
	Label    string
	Href     string
	Children []TOCEntry
}

var (
	whitespaceRe        = regexp.MustCompile(`\s+`)
	filenameSeparatorRe = regexp.MustCompile(`[_-]`)
	digitRunRe          = regexp.MustCompile(`\d+`)

	// chapterTitleRes extract a title from running text like
	// "Chapter 12: The Long Road".
	chapterTitleRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Chapter\s+\d+[:\s]*([^\n]*)`),
		regexp.MustCompile(`(?i)Chapter\s+[IVX]+[:\s]*([^\n]*)`),
	}
)

// ResolveTOC maps navigation targets onto anchors in the merged document.
// Targets pointing at unknown files fall back to the first section and
// targets with missing fragments fall back to their section start, each
// recorded as a warning.
func ResolveTOC(toc *epub.TOC, doc *Document) ([]TOCEntry, []Warning) {
	if toc == nil || len(doc.Sections) == 0 {
		return nil, nil
	}
	var warnings []Warning
	entries := resolveNodes(toc.Nodes, doc, &warnings)
	return entries, warnings
}

func resolveNodes(nodes []epub.TocNode, doc *Document, warnings *[]Warning) []TOCEntry {
	entries := make([]TOCEntry, 0, len(nodes))
	for _, node := range nodes {
		entry := TOCEntry{Label: node.Label}

		if node.Target != nil {
			href, exact := doc.Resolve(node.Target.Path, node.Target.Fragment)
			switch {
			case href == "":
				entry.Href = "#" + doc.Sections[0].ID
				*warnings = append(*warnings, Warning{
					Kind:   WarnTOCUnresolved,
					Detail: fmt.Sprintf("toc entry %q target %s not found, defaulting to %s", node.Label, node.Target.Path, doc.Sections[0].ID),
				})
			case !exact:
				entry.Href = href
				*warnings = append(*warnings, Warning{
					Kind:   WarnTOCUnresolved,
					Detail: fmt.Sprintf("toc entry %q anchor #%s not found, linking to section start", node.Label, node.Target.Fragment),
				})
			default:
				entry.Href = href
			}
		}

		entry.Children = resolveNodes(node.Children, doc, warnings)
		entries = append(entries, entry)
	}
	return entries
}

// SynthesizeTOC builds a flat table of contents from the merged document
// when the book carries no navigation. Each section contributes one entry
// labeled with its heading, a chapter title found in its text, or a
// cleaned form of its filename.
func SynthesizeTOC(doc *Document) []TOCEntry {
	entries := make([]TOCEntry, 0, len(doc.Sections))
	for i, sec := range doc.Sections {
		title := sec.Title
		if title == "" {
			for _, block := range doc.sectionBlocks(sec.ID) {
				if title = chapterTitleFromText(block); title != "" {
					break
				}
			}
		}
		if title == "" {
			title = cleanFilenameTitle(sec.SourcePath)
		}
		title = truncateTitle(collapseSpace(title))

		label := fmt.Sprintf("Chapter %d", i+1)
		if title != "" {
			label = fmt.Sprintf("Chapter %d: %s", i+1, title)
		}
		entries = append(entries, TOCEntry{Label: label, Href: "#" + sec.ID})
	}
	return entries
}

// sectionBlocks returns the text of each paragraph-level element in a
// section, one string per block, for chapter pattern scanning.
func (d *Document) sectionBlocks(sectionID string) []string {
	var blocks []string
	d.doc.Find("#"+sectionID).Find("p, h4, h5, h6, blockquote, li").Each(func(_ int, sel *goquery.Selection) {
		blocks = append(blocks, sel.Text())
	})
	return blocks
}

// chapterTitleFromText scans running text for a chapter heading pattern
// and returns the title portion. Very short matches are rejected.
func chapterTitleFromText(text string) string {
	for _, re := range chapterTitleRes {
		if m := re.FindStringSubmatch(text); m != nil {
			title := strings.TrimSpace(m[1])
			if len(title) > 3 {
				return title
			}
		}
	}
	return ""
}

// cleanFilenameTitle derives a display title from a content file path.
// Separators become spaces and digit runs are dropped, so
// "text/chapter_03.xhtml" becomes "chapter".
func cleanFilenameTitle(sourcePath string) string {
	base := path.Base(sourcePath)
	stem := strings.TrimSuffix(base, path.Ext(base))
	s := filenameSeparatorRe.ReplaceAllString(stem, " ")
	s = digitRunRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= 50 {
		return s
	}
	return string(runes[:47]) + "..."
}

// ExcludeSet holds container paths and basenames of excluded content.
type ExcludeSet map[string]bool

// Contains reports whether a container path was excluded, matching on the
// exact path or its basename.
func (s ExcludeSet) Contains(contentPath string) bool {
	if len(s) == 0 {
		return false
	}
	if s[contentPath] {
		return true
	}
	return s[strings.ToLower(path.Base(contentPath))]
}

// FilterTOC returns a copy of toc without subtrees whose labels match an
// exclusion pattern, plus the container paths of the removed targets so
// callers can skip the matching spine documents. Patterns match a label
// when they equal it or appear in it as a standalone phrase, case
// insensitively.
func FilterTOC(toc *epub.TOC, patterns []string) (*epub.TOC, ExcludeSet) {
	if toc == nil || len(patterns) == 0 {
		return toc, nil
	}
	excluded := make(ExcludeSet)
	filtered := &epub.TOC{
		Title: toc.Title,
		Nodes: filterNodes(toc.Nodes, patterns, excluded),
	}
	return filtered, excluded
}

func filterNodes(nodes []epub.TocNode, patterns []string, excluded ExcludeSet) []epub.TocNode {
	kept := make([]epub.TocNode, 0, len(nodes))
	for _, node := range nodes {
		if matchesExclusion(node.Label, patterns) {
			recordExcluded(node, excluded)
			continue
		}
		node.Children = filterNodes(node.Children, patterns, excluded)
		kept = append(kept, node)
	}
	return kept
}

func recordExcluded(node epub.TocNode, excluded ExcludeSet) {
	if node.Target != nil && node.Target.Path != "" {
		excluded[node.Target.Path] = true
		excluded[strings.ToLower(path.Base(node.Target.Path))] = true
	}
	for _, child := range node.Children {
		recordExcluded(child, excluded)
	}
}

func matchesExclusion(label string, patterns []string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return false
	}
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		if p == l {
			return true
		}
		if strings.HasPrefix(l, p+" ") || strings.HasSuffix(l, " "+p) || strings.Contains(l, " "+p+" ") {
			return true
		}
	}
	return false
}
