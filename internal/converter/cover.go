package converter

import (
	"strings"

	"github.com/isurajpanda/epub-to-html/internal/epub"
)

type fileReader interface {
	ReadFile(path string) ([]byte, error)
}

// ResolveCover picks the cover image for a book. Manifest-declared covers
// are trusted as-is. When only a weak heuristic matched, the guide cover
// page is parsed and its first image wins, and books without any manifest
// image fall back to the first image of the first spine document.
func ResolveCover(opf *epub.OPF, reader fileReader) *epub.CoverInfo {
	if opf == nil {
		return nil
	}

	info := opf.DetectCover()
	if info != nil {
		switch info.DetectionMethod {
		case "properties", "meta", "guide":
			return info
		}
	}

	if page := coverFromGuidePage(opf, reader); page != nil {
		return page
	}
	if info != nil {
		return info
	}
	return coverFromFirstSpinePage(opf, reader)
}

// coverFromGuidePage parses a guide cover reference that points at an
// XHTML page and returns its first image.
func coverFromGuidePage(opf *epub.OPF, reader fileReader) *epub.CoverInfo {
	if reader == nil {
		return nil
	}
	for _, ref := range opf.Guide {
		if !strings.EqualFold(ref.Type, "cover") {
			continue
		}
		target, _, _ := strings.Cut(ref.Href, "#")
		if target == "" {
			continue
		}

		item, inManifest := findManifestByHref(opf, target)
		if inManifest && !isXHTML(item.MediaType) {
			continue
		}
		if !inManifest && !looksLikeXHTML(target) {
			continue
		}

		data, err := reader.ReadFile(target)
		if err != nil {
			continue
		}
		content, err := epub.LoadContent(item.ID, target, data)
		if err != nil || len(content.ImageRefs) == 0 {
			continue
		}

		if imageItem, ok := findManifestByHref(opf, content.ImageRefs[0]); ok && isImage(imageItem.MediaType) {
			return &epub.CoverInfo{
				ManifestID:      imageItem.ID,
				Href:            imageItem.Href,
				MediaType:       imageItem.MediaType,
				DetectionMethod: "guide-page-image",
			}
		}
	}
	return nil
}

// coverFromFirstSpinePage handles books whose manifest lists no image at
// all: the first raster image referenced by the first spine document
// becomes the cover even though the file has no manifest entry.
func coverFromFirstSpinePage(opf *epub.OPF, reader fileReader) *epub.CoverInfo {
	if reader == nil || len(opf.Spine) == 0 {
		return nil
	}
	item, ok := opf.Manifest[opf.Spine[0].IDRef]
	if !ok || !isXHTML(item.MediaType) {
		return nil
	}
	data, err := reader.ReadFile(item.Href)
	if err != nil {
		return nil
	}
	content, err := epub.LoadContent(item.ID, item.Href, data)
	if err != nil || len(content.ImageRefs) == 0 {
		return nil
	}

	first := content.ImageRefs[0]
	mediaType := mediaTypeForPath(first)
	if mediaType == "" {
		return nil
	}
	return &epub.CoverInfo{
		Href:            first,
		MediaType:       mediaType,
		DetectionMethod: "first-content-image",
	}
}

func findManifestByHref(opf *epub.OPF, href string) (epub.ManifestItem, bool) {
	for _, item := range opf.Manifest {
		if item.Href == href {
			return item, true
		}
	}
	return epub.ManifestItem{}, false
}

func looksLikeXHTML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".xhtml") || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm")
}

// mediaTypeForPath guesses an image media type from a file extension, for
// images referenced by content but absent from the manifest.
func mediaTypeForPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return ""
	}
}
