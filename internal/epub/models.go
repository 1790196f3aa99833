package epub

import "sort"

// OPF represents the parsed Open Package Format document
type OPF struct {
	Version                  string
	Metadata                 Metadata
	Manifest                 map[string]ManifestItem // id -> item
	ManifestOrder            []string                // manifest ids in document order
	Spine                    []SpineItem
	Guide                    []GuideReference
	NCXPath                  string
	PageProgressionDirection string // "ltr", "rtl", or empty
}

// Metadata represents the metadata section of the OPF
type Metadata struct {
	Title       string
	Creators    []Creator
	Language    string
	Identifier  string
	Publisher   string
	Date        string
	Description string
	Subjects    []string
	Rights      string
	CoverID     string // EPUB 2.0 cover image manifest item ID (from meta name="cover")
}

// Author returns the primary author name: the first creator with role "aut",
// or the first creator when no role information is present.
func (m Metadata) Author() string {
	for _, c := range m.Creators {
		if c.Role == "aut" {
			return c.Name
		}
	}
	if len(m.Creators) > 0 {
		return m.Creators[0].Name
	}
	return ""
}

// manifestIDs returns manifest ids in document order when known, otherwise
// sorted for deterministic iteration.
func (opf *OPF) manifestIDs() []string {
	if len(opf.ManifestOrder) > 0 {
		return opf.ManifestOrder
	}
	ids := make([]string, 0, len(opf.Manifest))
	for id := range opf.Manifest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Creator represents a creator (author, editor, etc.) of the book
type Creator struct {
	Name string
	Role string // e.g., "aut" for author, "edt" for editor
	Lang string // xml:lang attribute
}

// ManifestItem represents an item in the manifest
type ManifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties []string
}

// SpineItem represents an item reference in the spine
type SpineItem struct {
	IDRef  string
	Linear bool
}

// GuideReference represents a reference element in the OPF guide section
type GuideReference struct {
	Type  string
	Title string
	Href  string // resolved against the OPF directory
}

// TOC is the table of contents extracted from an NCX or EPUB 3 nav document.
type TOC struct {
	Title string
	Nodes []TocNode
}

// TocNode is a single entry in the table of contents tree. A node without a
// Target is a grouping label and is not clickable.
type TocNode struct {
	Label    string
	Target   *TocTarget
	Children []TocNode
}

// TocTarget identifies the destination of a TOC entry within the container.
type TocTarget struct {
	Path     string // fragment-free, container-absolute path
	Fragment string // fragment identifier (without #)
}

// CoverInfo holds information about the detected cover image.
type CoverInfo struct {
	ManifestID      string
	Href            string
	MediaType       string
	DetectionMethod string // "properties", "meta", "guide", "filename", "first-image"
}
