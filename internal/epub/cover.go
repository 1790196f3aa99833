package epub

import (
	"path"
	"strings"
)

// DetectCover detects the cover image from the OPF manifest using multiple
// methods, tried in priority order:
//  1. properties="cover-image" (EPUB 3.0)
//  2. meta name="cover" (EPUB 2.0)
//  3. guide type="cover" (matched to image manifest items)
//  4. filename pattern (basename contains "cover", case-insensitive, SVG excluded)
//  5. first raster image in manifest order
//
// Returns nil if the manifest holds no raster image at all.
func (opf *OPF) DetectCover() *CoverInfo {
	// Method 1: EPUB 3.0 - check for cover-image property
	for _, id := range opf.manifestIDs() {
		item := opf.Manifest[id]
		for _, prop := range item.Properties {
			if prop == "cover-image" {
				return coverInfo(item, "properties")
			}
		}
	}

	// Method 2: EPUB 2.0 - check for meta name="cover"
	if opf.Metadata.CoverID != "" {
		if item, ok := opf.Manifest[opf.Metadata.CoverID]; ok && isImageMediaType(item.MediaType) {
			return coverInfo(item, "meta")
		}
	}

	// Method 3: guide type="cover" matched to image manifest items
	for _, ref := range opf.Guide {
		if ref.Type != "cover" {
			continue
		}
		guideHref := ref.Href
		if idx := strings.Index(guideHref, "#"); idx >= 0 {
			guideHref = guideHref[:idx]
		}
		for _, id := range opf.manifestIDs() {
			item := opf.Manifest[id]
			if !isImageMediaType(item.MediaType) {
				continue
			}
			if item.Href == guideHref {
				return coverInfo(item, "guide")
			}
		}
		// Guide points to a non-image (often a cover XHTML page); the
		// converter layer resolves those separately.
	}

	// Method 4: image items with "cover" in the basename (SVG excluded)
	for _, id := range opf.manifestIDs() {
		item := opf.Manifest[id]
		if !isImageMediaType(item.MediaType) {
			continue
		}
		base := path.Base(item.Href)
		if strings.Contains(strings.ToLower(base), "cover") {
			return coverInfo(item, "filename")
		}
	}

	// Method 5: fall back to the first raster image in manifest order
	for _, id := range opf.manifestIDs() {
		item := opf.Manifest[id]
		if isImageMediaType(item.MediaType) {
			return coverInfo(item, "first-image")
		}
	}

	return nil
}

// FindCoverImage finds the cover image in the manifest.
// This is a convenience wrapper around DetectCover.
func (opf *OPF) FindCoverImage() (string, bool) {
	if c := opf.DetectCover(); c != nil {
		return c.Href, true
	}
	return "", false
}

func coverInfo(item ManifestItem, method string) *CoverInfo {
	return &CoverInfo{
		ManifestID:      item.ID,
		Href:            item.Href,
		MediaType:       item.MediaType,
		DetectionMethod: method,
	}
}

// isImageMediaType checks if a media type is a raster image (SVG excluded).
func isImageMediaType(mediaType string) bool {
	if mediaType == "image/svg+xml" {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}
