package converter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/isurajpanda/epub-to-html/internal/epub"
)

// Stage identifies a phase of the conversion pipeline.
type Stage string

const (
	StageExtracting  Stage = "extracting"
	StageNormalizing Stage = "normalizing"
	StageImaging     Stage = "imaging"
	StageRendering   Stage = "rendering"
)

// PlaceholderAsset is the href given to images that could not be
// transcoded. The renderer ships the asset under this name.
const PlaceholderAsset = "static/placeholder.svg"

// Flags turn whole pipeline stages off.
type Flags struct {
	SkipScripts bool // strip script elements and inline handlers
	SkipImages  bool // drop images instead of running the image stage
	CoverOnly   bool // emit only the cover image and thumbnail
}

// Options configures a conversion pipeline. Zero values select defaults.
type Options struct {
	MaxImageWidth   int
	JPEGQuality     int
	MaxImageBytes   int
	ThumbWidth      int
	ThumbHeight     int
	MaxPixels       int
	MaxEntrySize    int64    // per-entry extraction limit, 0 uses the container default
	ExcludeSections []string // toc labels whose sections are dropped
	Flags           Flags
}

// CoverAsset pairs the transcoded cover with its thumbnail. Thumb has an
// empty Name when no thumbnail could be produced.
type CoverAsset struct {
	Image TranscodedImage
	Thumb TranscodedImage
}

// Output is the fully assembled conversion result handed to a renderer.
type Output struct {
	Title     string
	Author    string
	Metadata  epub.Metadata
	BodyHTML  string
	BookCSS   string
	TOC       []TOCEntry
	IDMap     map[string]string // source path to section id, for reader navigation
	Images    []TranscodedImage
	Cover     *CoverAsset
	CoverOnly bool
	OutputDir string
}

// Renderer writes an assembled book to its output directory.
type Renderer interface {
	Render(ctx context.Context, out *Output) error
}

// Pipeline converts one book per Run call. The cache and memory budget
// may be shared across pipelines running concurrently.
type Pipeline struct {
	opts       Options
	renderer   Renderer
	cache      *TranscodeCache
	transcoder *Transcoder
	log        zerolog.Logger

	// OnStage, when set, is called as the pipeline enters each stage.
	OnStage func(Stage)
}

// NewPipeline creates a conversion pipeline. cache and budget may be nil
// for unshared, unbounded operation.
func NewPipeline(opts Options, renderer Renderer, cache *TranscodeCache, budget *MemoryBudget, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		opts:       opts,
		renderer:   renderer,
		cache:      cache,
		transcoder: NewTranscoder(opts, budget),
		log:        log,
	}
}

// Run converts the book at inputPath and renders it under outputDir.
// Warnings for recoverable degradations are collected on the Result; the
// returned error is a JobError classifying which part of the conversion
// failed.
func (p *Pipeline) Run(ctx context.Context, inputPath, outputDir string) (*Result, error) {
	start := time.Now()
	result := &Result{Input: inputPath}

	p.stage(StageExtracting)
	reader, err := p.openContainer(inputPath)
	if err != nil {
		kind := KindContainer
		if errors.Is(err, epub.ErrNoPackageDocument) {
			kind = KindPackage
		}
		return result, jobError(kind, err)
	}
	defer reader.Close()

	for _, w := range reader.Warnings() {
		p.warn(result, WarnContainer, w)
	}

	opf, err := epub.LoadOPF(reader)
	if err != nil {
		return result, jobError(KindPackage, err)
	}
	result.Title = opf.Metadata.Title
	result.Author = opf.Metadata.Author()

	cover := ResolveCover(opf, reader)
	if cover != nil {
		p.log.Debug().Str("href", cover.Href).Str("method", cover.DetectionMethod).Msg("cover detected")
	}

	if p.opts.Flags.CoverOnly {
		return p.runCoverOnly(ctx, reader, opf, cover, outputDir, result, start)
	}

	if err := ctx.Err(); err != nil {
		return result, jobError(KindScheduler, err)
	}

	p.stage(StageNormalizing)
	doc, entries, err := p.normalize(reader, opf, result)
	if err != nil {
		return result, err
	}
	result.Sections = len(doc.Sections)

	if err := ctx.Err(); err != nil {
		return result, jobError(KindScheduler, err)
	}

	var images []TranscodedImage
	var coverAsset *CoverAsset
	if !p.opts.Flags.SkipImages {
		p.stage(StageImaging)
		var names map[string]string
		images, names, err = p.transcodeImages(ctx, reader, opf, doc, result)
		if err != nil {
			return result, jobError(KindScheduler, err)
		}
		doc.RewriteImages(names)
		result.Images = len(images)

		if cover != nil {
			coverAsset, err = p.transcodeCover(ctx, reader, cover, result)
			if err != nil {
				return result, jobError(KindScheduler, err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, jobError(KindScheduler, err)
	}

	p.stage(StageRendering)
	body, err := doc.BodyHTML()
	if err != nil {
		return result, jobError(KindPackage, fmt.Errorf("rendering merged document: %w", err))
	}

	out := &Output{
		Title:     displayTitle(opf.Metadata.Title),
		Author:    opf.Metadata.Author(),
		Metadata:  opf.Metadata,
		BodyHTML:  body,
		BookCSS:   doc.CSS,
		TOC:       entries,
		IDMap:     doc.IDMap.Entries(),
		Images:    images,
		Cover:     coverAsset,
		OutputDir: outputDir,
	}
	if err := p.renderer.Render(ctx, out); err != nil {
		return result, jobError(KindRender, err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// runCoverOnly extracts just the cover artifacts. A book without a
// usable cover fails, since the job would otherwise emit nothing.
func (p *Pipeline) runCoverOnly(ctx context.Context, reader *epub.Reader, opf *epub.OPF, cover *epub.CoverInfo, outputDir string, result *Result, start time.Time) (*Result, error) {
	if cover == nil {
		return result, jobError(KindPackage, errors.New("no cover image detected"))
	}

	p.stage(StageImaging)
	data, err := reader.ReadFile(cover.Href)
	if err != nil {
		return result, jobError(KindPackage, fmt.Errorf("reading cover %s: %w", cover.Href, err))
	}

	img, err := p.transcodeCached(ctx, cover.Href, cover.MediaType, data)
	if err != nil {
		return result, jobError(KindScheduler, err)
	}
	if img.Placeholder {
		return result, jobError(KindPackage, fmt.Errorf("cover unusable: %s", img.Warning))
	}

	thumb, err := p.thumbnailCached(ctx, cover.Href, data)
	if err != nil {
		return result, jobError(KindScheduler, err)
	}
	asset := &CoverAsset{Image: img}
	if !thumb.Placeholder {
		asset.Thumb = thumb
	} else {
		p.warn(result, WarnImageTranscode, fmt.Sprintf("%s: %s", cover.Href, thumb.Warning))
	}
	result.Images = 1

	p.stage(StageRendering)
	out := &Output{
		Title:     displayTitle(opf.Metadata.Title),
		Author:    opf.Metadata.Author(),
		Metadata:  opf.Metadata,
		Cover:     asset,
		CoverOnly: true,
		OutputDir: outputDir,
	}
	if err := p.renderer.Render(ctx, out); err != nil {
		return result, jobError(KindRender, err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// normalize merges the spine into one document and resolves navigation.
// Individual unreadable or unparsable spine items are skipped with a
// warning; only a book with no usable content at all fails.
func (p *Pipeline) normalize(reader *epub.Reader, opf *epub.OPF, result *Result) (*Document, []TOCEntry, error) {
	toc, err := epub.LoadTOC(reader, opf)
	if err != nil {
		p.warn(result, WarnTOCUnresolved, fmt.Sprintf("navigation unreadable: %v", err))
		toc = nil
	}

	var excluded ExcludeSet
	if len(p.opts.ExcludeSections) > 0 {
		toc, excluded = FilterTOC(toc, p.opts.ExcludeSections)
	}

	builder := NewBuilder()

	type cssRef struct {
		sectionID string
		path      string
	}
	var orderedCSS []cssRef

	for _, spineItem := range opf.Spine {
		item, ok := opf.Manifest[spineItem.IDRef]
		if !ok {
			p.warn(result, WarnSpineItem, fmt.Sprintf("spine item %q not in manifest, skipping", spineItem.IDRef))
			continue
		}
		if !isXHTML(item.MediaType) {
			continue
		}
		if excluded.Contains(item.Href) {
			p.log.Debug().Str("path", item.Href).Msg("skipping excluded section")
			continue
		}

		data, err := reader.ReadFile(item.Href)
		if err != nil {
			p.warn(result, WarnSpineItem, fmt.Sprintf("failed to read %s: %v, skipping", item.Href, err))
			continue
		}
		content, err := epub.LoadContent(item.ID, item.Href, data)
		if err != nil {
			p.warn(result, WarnSpineItem, fmt.Sprintf("failed to parse %s: %v, skipping", item.Href, err))
			continue
		}

		sectionID := builder.AddSection(content)
		for _, cssPath := range content.CSSLinks {
			orderedCSS = append(orderedCSS, cssRef{sectionID: sectionID, path: cssPath})
		}
	}

	added := make(map[string]bool)
	for _, ref := range orderedCSS {
		if added[ref.path] {
			continue
		}
		added[ref.path] = true
		data, err := reader.ReadFile(ref.path)
		if err != nil {
			p.warn(result, WarnResourceResolution, fmt.Sprintf("failed to read stylesheet %s: %v", ref.path, err))
			continue
		}
		builder.AddStylesheet(ref.sectionID, string(data))
	}

	if p.opts.Flags.SkipScripts {
		builder.StripScripts()
	}
	if p.opts.Flags.SkipImages {
		builder.RemoveImages()
	}

	doc, err := builder.Build()
	if err != nil {
		return nil, nil, jobError(KindPackage, err)
	}
	p.warnAll(result, builder.Warnings())

	var entries []TOCEntry
	if toc != nil && len(toc.Nodes) > 0 {
		var tocWarnings []Warning
		entries, tocWarnings = ResolveTOC(toc, doc)
		p.warnAll(result, tocWarnings)
	}
	if len(entries) == 0 {
		entries = SynthesizeTOC(doc)
	}

	return doc, entries, nil
}

// transcodeImages runs every referenced image through the transcoder and
// returns the output images plus the source path to output href mapping.
// Failed images map to the placeholder asset.
func (p *Pipeline) transcodeImages(ctx context.Context, reader *epub.Reader, opf *epub.OPF, doc *Document, result *Result) ([]TranscodedImage, map[string]string, error) {
	paths := doc.ImagePaths()
	names := make(map[string]string, len(paths))
	var images []TranscodedImage
	seen := make(map[string]bool)

	for _, imgPath := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		data, err := reader.ReadFile(imgPath)
		if err != nil {
			names[imgPath] = PlaceholderAsset
			p.warn(result, WarnImageTranscode, fmt.Sprintf("cannot read image %s: %v", imgPath, err))
			continue
		}

		mediaType := mediaTypeForPath(imgPath)
		if item, ok := findManifestByHref(opf, imgPath); ok {
			mediaType = item.MediaType
		}

		img, err := p.transcodeCached(ctx, imgPath, mediaType, data)
		if err != nil {
			return nil, nil, err
		}
		if img.Placeholder {
			names[imgPath] = PlaceholderAsset
			p.warn(result, WarnImageTranscode, fmt.Sprintf("%s: %s", imgPath, img.Warning))
			continue
		}
		if img.Warning != "" {
			p.warn(result, WarnImageTranscode, fmt.Sprintf("%s: %s", imgPath, img.Warning))
		}

		names[imgPath] = "images/" + img.Name
		if !seen[img.Name] {
			seen[img.Name] = true
			images = append(images, img)
		}
	}

	return images, names, nil
}

// transcodeCover produces the cover image and thumbnail. Failures degrade
// to a warning, never a job failure.
func (p *Pipeline) transcodeCover(ctx context.Context, reader *epub.Reader, cover *epub.CoverInfo, result *Result) (*CoverAsset, error) {
	data, err := reader.ReadFile(cover.Href)
	if err != nil {
		p.warn(result, WarnImageTranscode, fmt.Sprintf("cannot read cover %s: %v", cover.Href, err))
		return nil, nil
	}

	img, err := p.transcodeCached(ctx, cover.Href, cover.MediaType, data)
	if err != nil {
		return nil, err
	}
	if img.Placeholder {
		p.warn(result, WarnImageTranscode, fmt.Sprintf("cover %s: %s", cover.Href, img.Warning))
		return nil, nil
	}

	asset := &CoverAsset{Image: img}
	thumb, err := p.thumbnailCached(ctx, cover.Href, data)
	if err != nil {
		return nil, err
	}
	if thumb.Placeholder {
		p.warn(result, WarnImageTranscode, fmt.Sprintf("cover thumbnail %s: %s", cover.Href, thumb.Warning))
	} else {
		asset.Thumb = thumb
	}
	return asset, nil
}

func (p *Pipeline) transcodeCached(ctx context.Context, path, mediaType string, data []byte) (TranscodedImage, error) {
	if p.cache == nil {
		return p.transcoder.Transcode(ctx, path, mediaType, data)
	}
	return p.cache.Do(p.transcoder.CacheKey(data), func() (TranscodedImage, error) {
		return p.transcoder.Transcode(ctx, path, mediaType, data)
	})
}

func (p *Pipeline) thumbnailCached(ctx context.Context, path string, data []byte) (TranscodedImage, error) {
	if p.cache == nil {
		return p.transcoder.Thumbnail(ctx, path, data)
	}
	return p.cache.Do(p.transcoder.ThumbCacheKey(data), func() (TranscodedImage, error) {
		return p.transcoder.Thumbnail(ctx, path, data)
	})
}

func (p *Pipeline) openContainer(path string) (*epub.Reader, error) {
	if p.opts.MaxEntrySize > 0 {
		return epub.OpenWithLimit(path, p.opts.MaxEntrySize)
	}
	return epub.Open(path)
}

func (p *Pipeline) stage(s Stage) {
	if p.OnStage != nil {
		p.OnStage(s)
	}
}

// warn records a recoverable degradation on the result and logs it.
func (p *Pipeline) warn(result *Result, kind, detail string) {
	p.log.Warn().Str("kind", kind).Msg(detail)
	result.Warnings = append(result.Warnings, Warning{Kind: kind, Detail: detail})
}

func (p *Pipeline) warnAll(result *Result, warnings []Warning) {
	for _, w := range warnings {
		p.warn(result, w.Kind, w.Detail)
	}
}

func displayTitle(title string) string {
	if title == "" {
		return "Untitled"
	}
	return title
}

// isXHTML checks if a media type indicates an XHTML content file.
func isXHTML(mediaType string) bool {
	return strings.Contains(mediaType, "html")
}

// isImage checks if a media type indicates a raster image file.
// SVG is excluded; it is embedded as markup, not transcoded.
func isImage(mediaType string) bool {
	if mediaType == "image/svg+xml" {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}
