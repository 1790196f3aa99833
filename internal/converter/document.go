package converter

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/isurajpanda/epub-to-html/internal/epub"
)

// ErrNoSections is returned by Build when no spine document survived
// parsing.
var ErrNoSections = errors.New("no sections added")

// Section describes one spine document inside the assembled output.
type Section struct {
	ID         string // stable anchor id, "page01", "page02", ...
	SourcePath string // container path of the source document
	Title      string // first heading, else title element text, may be empty
}

// Builder assembles parsed spine documents into a single standalone HTML
// document. Sections are added in spine order; Build merges them, scopes
// their ids, and rewrites internal links to the merged anchors.
type Builder struct {
	sections []*builderSection
	css      []string
	warnings []Warning
}

type builderSection struct {
	id         string
	sourcePath string
	title      string
	doc        *goquery.Document
	bodyAttrs  map[string]string
}

// NewBuilder creates an empty document builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddSection registers a parsed spine document and returns its assigned
// section id. Image references inside the document are normalized to
// container-absolute paths so later stages can address them uniformly.
func (b *Builder) AddSection(content *epub.Content) string {
	id := fmt.Sprintf("page%02d", len(b.sections)+1)

	title := content.FirstHeading()
	if title == "" {
		title = content.Title()
	}

	normalizeImageRefs(content.Document, path.Dir(content.Path))

	b.sections = append(b.sections, &builderSection{
		id:         id,
		sourcePath: content.Path,
		title:      title,
		doc:        content.Document,
		bodyAttrs:  content.BodyAttrs,
	})
	return id
}

// AddStylesheet registers book CSS for inclusion in the output document.
// The CSS is normalized for the merged layout and its ID selectors are
// scoped to the given section so rules cannot leak across sections.
func (b *Builder) AddStylesheet(sectionID, css string) {
	normalized := NormalizeCSS(css)
	b.css = append(b.css, namespaceIDSelectors(sectionID, normalized))
}

// StripScripts removes script elements and inline event handler
// attributes from every registered section.
func (b *Builder) StripScripts() {
	for _, sec := range b.sections {
		sec.doc.Find("script").Remove()
		sec.doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
			for _, node := range sel.Nodes {
				kept := node.Attr[:0]
				for _, attr := range node.Attr {
					if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
						continue
					}
					kept = append(kept, attr)
				}
				node.Attr = kept
			}
		})
	}
}

// RemoveImages removes img elements, svg blocks containing images, and
// picture wrappers from every registered section.
func (b *Builder) RemoveImages() {
	for _, sec := range b.sections {
		sec.doc.Find("picture").Remove()
		sec.doc.Find("img").Remove()
		sec.doc.Find("svg").Each(func(_ int, sel *goquery.Selection) {
			if sel.Find("image").Length() > 0 {
				sel.Remove()
			}
		})
	}
}

// Warnings returns link resolution issues recorded during Build.
func (b *Builder) Warnings() []Warning {
	return b.warnings
}

// Build merges all registered sections into one document. Every section
// becomes a div.chapter wrapper carrying the section id and inherited
// body attributes, separated from its neighbors by a chapter-separator
// rule. Ids are prefixed with their section id and internal links are
// rewritten to the merged anchors.
func (b *Builder) Build() (*Document, error) {
	if len(b.sections) == 0 {
		return nil, ErrNoSections
	}

	idmap := newIDMap(b.sections)

	chunks := make([]string, 0, len(b.sections))
	sections := make([]Section, 0, len(b.sections))
	for _, sec := range b.sections {
		namespaceIDs(sec.doc, sec.id)

		body := sec.doc.Find("body").First()
		inner, err := body.Html()
		if err != nil {
			return nil, fmt.Errorf("rendering section %s: %w", sec.id, err)
		}

		chunks = append(chunks, wrapSection(sec, inner))
		sections = append(sections, Section{
			ID:         sec.id,
			SourcePath: sec.sourcePath,
			Title:      sec.title,
		})
	}

	merged := "<!DOCTYPE html><html><head></head><body>" +
		strings.Join(chunks, "\n<hr class=\"chapter-separator\"/>\n") +
		"</body></html>"

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(merged))
	if err != nil {
		return nil, fmt.Errorf("assembling document: %w", err)
	}

	out := &Document{
		Sections: sections,
		IDMap:    idmap,
		CSS:      strings.Join(b.css, "\n"),
		doc:      doc,
	}
	b.warnings = append(b.warnings, out.rewriteLinks()...)
	return out, nil
}

// wrapSection wraps section body content in its chapter div. The class,
// dir, lang, and xml:lang attributes of the source body are carried onto
// the wrapper in a stable order.
func wrapSection(sec *builderSection, inner string) string {
	var sb strings.Builder
	sb.WriteString(`<div class="chapter`)
	if class := sec.bodyAttrs["class"]; class != "" {
		sb.WriteString(" ")
		sb.WriteString(html.EscapeString(class))
	}
	sb.WriteString(`" id="`)
	sb.WriteString(sec.id)
	sb.WriteString(`"`)
	for _, key := range []string{"dir", "lang", "xml:lang"} {
		if val := sec.bodyAttrs[key]; val != "" {
			sb.WriteString(" ")
			sb.WriteString(key)
			sb.WriteString(`="`)
			sb.WriteString(html.EscapeString(val))
			sb.WriteString(`"`)
		}
	}
	sb.WriteString(">")
	sb.WriteString(inner)
	sb.WriteString("</div>")
	return sb.String()
}

// namespaceIDs prefixes every id inside the section body with the section
// id so merged sections cannot collide.
func namespaceIDs(doc *goquery.Document, sectionID string) {
	doc.Find("body [id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		if id == "" {
			return
		}
		sel.SetAttr("id", sectionID+"-"+escapeFragmentID(id))
	})
}

// normalizeImageRefs rewrites relative image references to
// container-absolute paths. External and data URIs are left alone, as are
// references that escape the container root.
func normalizeImageRefs(doc *goquery.Document, baseDir string) {
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || isExternalRef(src) {
			return
		}
		if resolved := epub.ResolvePath(baseDir, src); resolved != "" {
			sel.SetAttr("src", resolved)
		}
	})
	doc.Find("svg image").Each(func(_ int, sel *goquery.Selection) {
		for _, key := range []string{"href", "xlink:href"} {
			ref, ok := sel.Attr(key)
			if !ok || isExternalRef(ref) {
				continue
			}
			if resolved := epub.ResolvePath(baseDir, ref); resolved != "" {
				sel.SetAttr(key, resolved)
			}
		}
	})
}

func isExternalRef(ref string) bool {
	return strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://")
}

// escapeFragmentID makes a source id or fragment safe for use inside a
// merged anchor id. Percent-encoding keeps the mapping reversible and
// collision free.
func escapeFragmentID(fragment string) string {
	return url.QueryEscape(fragment)
}

// Document is a merged, link-rewritten book document ready for rendering.
type Document struct {
	Sections []Section
	IDMap    *IDMap
	CSS      string // normalized book CSS, in stylesheet registration order

	doc *goquery.Document
}

// BodyHTML renders the inner HTML of the merged document body.
func (d *Document) BodyHTML() (string, error) {
	return d.doc.Find("body").First().Html()
}

// Resolve maps a container path plus optional fragment to an anchor href
// in the merged document. exact is false when the path is unknown or the
// fragment does not exist, in which case the returned href points at the
// nearest known anchor (the section start, or empty when the path itself
// is unknown).
func (d *Document) Resolve(contentPath, fragment string) (href string, exact bool) {
	sectionID, ok := d.IDMap.Lookup(contentPath)
	if !ok {
		return "", false
	}
	if fragment == "" {
		return "#" + sectionID, true
	}
	anchor := sectionID + "-" + escapeFragmentID(fragment)
	if d.hasID(anchor) {
		return "#" + anchor, true
	}
	return "#" + sectionID, false
}

// ImagePaths returns the unique container paths of all image references
// in document order.
func (d *Document) ImagePaths() []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(ref string) {
		if ref == "" || isExternalRef(ref) || seen[ref] {
			return
		}
		seen[ref] = true
		paths = append(paths, ref)
	}
	d.doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(src)
	})
	d.doc.Find("svg image").Each(func(_ int, sel *goquery.Selection) {
		if ref, ok := sel.Attr("href"); ok {
			add(ref)
		} else if ref, ok := sel.Attr("xlink:href"); ok {
			add(ref)
		}
	})
	return paths
}

// RewriteImages replaces image references with their output names. Paths
// without an entry are left untouched.
func (d *Document) RewriteImages(names map[string]string) {
	d.doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if name, ok := names[src]; ok {
			sel.SetAttr("src", name)
		}
	})
	d.doc.Find("svg image").Each(func(_ int, sel *goquery.Selection) {
		for _, key := range []string{"href", "xlink:href"} {
			ref, ok := sel.Attr(key)
			if !ok {
				continue
			}
			if name, ok := names[ref]; ok {
				sel.SetAttr(key, name)
			}
		}
	})
}

// rewriteLinks rewrites internal hrefs to merged anchors. External links
// are untouched. Links whose target cannot be resolved point at the
// nearest known anchor, or "#" when the target file is not part of the
// book, and each such degradation is recorded as a warning.
func (d *Document) rewriteLinks() []Warning {
	var warnings []Warning

	d.doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if href == "" {
			return
		}

		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if u.IsAbs() || u.Host != "" {
			return
		}

		sectionID, sourcePath := d.linkContext(link)

		// Fragment-only link, target lives in the same section.
		if u.Path == "" {
			if u.Fragment == "" || sectionID == "" {
				return
			}
			anchor := sectionID + "-" + escapeFragmentID(u.Fragment)
			if d.hasID(anchor) {
				link.SetAttr("href", "#"+anchor)
				return
			}
			link.SetAttr("href", "#"+sectionID)
			warnings = append(warnings, Warning{
				Kind:   WarnResourceResolution,
				Detail: fmt.Sprintf("anchor #%s not found in %s, linking to section start", u.Fragment, sectionID),
			})
			return
		}

		target := epub.ResolvePath(path.Dir(sourcePath), u.Path)
		targetID, ok := d.IDMap.Lookup(target)
		if !ok {
			link.SetAttr("href", "#")
			warnings = append(warnings, Warning{
				Kind:   WarnResourceResolution,
				Detail: fmt.Sprintf("link target %s not found in book", u.Path),
			})
			return
		}

		if u.Fragment == "" {
			link.SetAttr("href", "#"+targetID)
			return
		}
		anchor := targetID + "-" + escapeFragmentID(u.Fragment)
		if d.hasID(anchor) {
			link.SetAttr("href", "#"+anchor)
			return
		}
		link.SetAttr("href", "#"+targetID)
		warnings = append(warnings, Warning{
			Kind:   WarnResourceResolution,
			Detail: fmt.Sprintf("anchor #%s not found in %s, linking to section start", u.Fragment, targetID),
		})
	})

	return warnings
}

// linkContext finds the section containing a link by walking up to its
// chapter wrapper.
func (d *Document) linkContext(link *goquery.Selection) (sectionID, sourcePath string) {
	wrapper := link.ParentsFiltered("body > div.chapter").First()
	id, ok := wrapper.Attr("id")
	if !ok {
		return "", ""
	}
	for _, sec := range d.Sections {
		if sec.ID == id {
			return sec.ID, sec.SourcePath
		}
	}
	return "", ""
}

// hasID reports whether an element with the given id exists in the merged
// document.
func (d *Document) hasID(id string) bool {
	escaped := strings.ReplaceAll(id, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return d.doc.Find(`[id="`+escaped+`"]`).Length() > 0
}

// IDMap maps container paths of spine documents to their section ids.
// Lookup falls back from the exact path to the basename and then the
// basename without extension, which absorbs the path variations found in
// real-world navigation documents.
type IDMap struct {
	exact map[string]string
	base  map[string]string
	stem  map[string]string
}

func newIDMap(sections []*builderSection) *IDMap {
	m := &IDMap{
		exact: make(map[string]string, len(sections)),
		base:  make(map[string]string, len(sections)),
		stem:  make(map[string]string, len(sections)),
	}
	for _, sec := range sections {
		m.exact[sec.sourcePath] = sec.id

		base := strings.ToLower(path.Base(sec.sourcePath))
		if _, exists := m.base[base]; !exists {
			m.base[base] = sec.id
		}
		stem := strings.TrimSuffix(base, path.Ext(base))
		if _, exists := m.stem[stem]; !exists {
			m.stem[stem] = sec.id
		}
	}
	return m
}

// Lookup resolves a container path to a section id.
func (m *IDMap) Lookup(contentPath string) (string, bool) {
	if contentPath == "" {
		return "", false
	}
	if id, ok := m.exact[contentPath]; ok {
		return id, true
	}
	base := strings.ToLower(path.Base(contentPath))
	if id, ok := m.base[base]; ok {
		return id, true
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if id, ok := m.stem[stem]; ok {
		return id, true
	}
	return "", false
}

// Entries returns the exact path to section id mapping, for embedding in
// rendered output metadata.
func (m *IDMap) Entries() map[string]string {
	out := make(map[string]string, len(m.exact))
	for k, v := range m.exact {
		out[k] = v
	}
	return out
}
