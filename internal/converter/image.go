package converter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"

	// Register the WebP decoder; WebP sources are re-encoded as JPEG or PNG.
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxImageWidth = 1080
	defaultJPEGQuality   = 80
	minJPEGQuality       = 60
	defaultMaxPixels     = 100 * 1000 * 1000 // 100 megapixels
	defaultThumbWidth    = 320
	defaultThumbHeight   = 480

	// decodedBytesPerPixel estimates the in-memory cost of a decoded image.
	decodedBytesPerPixel = 4

	// defaultPerImageBudget is the decode memory reserved per worker.
	defaultPerImageBudget = int64(128) << 20
)

// MemoryBudget bounds the total memory held by in-flight image decodes.
// The budget is sized so each worker can hold one typical image at a time;
// images estimated above a single share are clamped so they can still be
// processed, serialized against the rest of the budget.
type MemoryBudget struct {
	sem *semaphore.Weighted
	max int64
}

// NewMemoryBudget creates a budget for the given worker count. perImage
// is the share reserved per worker; zero selects the default.
func NewMemoryBudget(workers int, perImage int64) *MemoryBudget {
	if workers < 1 {
		workers = 1
	}
	if perImage <= 0 {
		perImage = defaultPerImageBudget
	}
	total := int64(workers) * perImage
	return &MemoryBudget{sem: semaphore.NewWeighted(total), max: total}
}

// acquire blocks until weight bytes of budget are available and returns
// the granted weight, which must be passed to release. A nil budget
// grants everything immediately.
func (b *MemoryBudget) acquire(ctx context.Context, weight int64) (int64, error) {
	if b == nil {
		return 0, nil
	}
	if weight > b.max {
		weight = b.max
	}
	if weight < 1 {
		weight = 1
	}
	if err := b.sem.Acquire(ctx, weight); err != nil {
		return 0, err
	}
	return weight, nil
}

func (b *MemoryBudget) release(granted int64) {
	if b == nil || granted == 0 {
		return
	}
	b.sem.Release(granted)
}

// Transcoder converts book images into web output images. Oversized
// images are downscaled, formats are normalized to JPEG or PNG, and
// sources that cannot be decoded yield a placeholder marker instead of
// failing the book.
type Transcoder struct {
	MaxWidth       int
	JPEGQuality    int
	MinJPEGQuality int
	MaxFileSize    int // 0 disables the size limit
	MaxPixels      int // decode ceiling, width * height
	ThumbWidth     int
	ThumbHeight    int
	Budget         *MemoryBudget
}

// TranscodedImage is the outcome of transcoding one source image.
// Placeholder marks sources that produced no usable output; Warning may
// also be set on usable output, for example when the size limit could not
// be met at the minimum quality.
type TranscodedImage struct {
	Name        string // output filename, derived from the source content hash
	Data        []byte
	Width       int
	Height      int
	Format      string
	SourcePath  string
	Placeholder bool
	Warning     string
}

// NewTranscoder creates a transcoder from conversion options, filling in
// defaults for unset values.
func NewTranscoder(opts Options, budget *MemoryBudget) *Transcoder {
	maxWidth := opts.MaxImageWidth
	if maxWidth <= 0 {
		maxWidth = defaultMaxImageWidth
	}

	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	if quality > 100 {
		quality = 100
	}

	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = defaultMaxPixels
	}

	thumbWidth := opts.ThumbWidth
	if thumbWidth <= 0 {
		thumbWidth = defaultThumbWidth
	}
	thumbHeight := opts.ThumbHeight
	if thumbHeight <= 0 {
		thumbHeight = defaultThumbHeight
	}

	return &Transcoder{
		MaxWidth:       maxWidth,
		JPEGQuality:    quality,
		MinJPEGQuality: minJPEGQuality,
		MaxFileSize:    opts.MaxImageBytes,
		MaxPixels:      maxPixels,
		ThumbWidth:     thumbWidth,
		ThumbHeight:    thumbHeight,
		Budget:         budget,
	}
}

// Transcode converts one source image. The returned error is non-nil only
// when ctx is canceled; every per-image failure becomes a placeholder
// result with a warning so one bad image never fails the book.
func (t *Transcoder) Transcode(ctx context.Context, path, mediaType string, input []byte) (TranscodedImage, error) {
	out := TranscodedImage{SourcePath: path}

	cfg, cfgFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("cannot read image header: %v", err)
		return out, nil
	}

	pixels := uint64(cfg.Width) * uint64(cfg.Height)
	if t.MaxPixels > 0 && pixels > uint64(t.MaxPixels) {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("image too large to decode: %dx%d (%d pixels)", cfg.Width, cfg.Height, pixels)
		return out, nil
	}

	format := mediaTypeToFormat(mediaType)
	if format == "" {
		format = strings.ToLower(cfgFormat)
	}

	// Animated GIFs pass through untouched; re-encoding would keep only
	// the first frame.
	if format == "gif" {
		if animated, gifErr := isAnimatedGIF(input); gifErr == nil && animated {
			out.Data = input
			out.Width = cfg.Width
			out.Height = cfg.Height
			out.Format = "gif"
			out.Name = outputName(input, "gif")
			return out, nil
		}
	}

	granted, err := t.Budget.acquire(ctx, int64(pixels)*decodedBytesPerPixel)
	if err != nil {
		return out, err
	}
	defer t.Budget.release(granted)

	src, decodedFormat, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("image decode failed: %v", err)
		return out, nil
	}
	if format == "" {
		format = strings.ToLower(decodedFormat)
	}

	processed := src
	if t.MaxWidth > 0 && src.Bounds().Dx() > t.MaxWidth {
		processed = imaging.Resize(src, t.MaxWidth, 0, imaging.Lanczos)
	}

	target := chooseTargetFormat(mediaType, format, processed)
	var data []byte
	var qualityUsed int
	switch target {
	case "png":
		data, err = encodePNG(processed)
	default:
		target = "jpeg"
		data, qualityUsed, err = t.encodeJPEGWithSizeLimit(processed, t.JPEGQuality)
	}
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("image encode failed: %v", err)
		return out, nil
	}

	out.Data = data
	out.Width = processed.Bounds().Dx()
	out.Height = processed.Bounds().Dy()
	out.Format = target
	out.Name = outputName(input, target)

	if t.MaxFileSize > 0 && len(out.Data) > t.MaxFileSize {
		if target == "jpeg" {
			out.Warning = fmt.Sprintf("jpeg size %d exceeds limit %d bytes at quality %d", len(out.Data), t.MaxFileSize, qualityUsed)
		} else {
			out.Warning = fmt.Sprintf("image size %d exceeds limit %d bytes", len(out.Data), t.MaxFileSize)
		}
	}

	return out, nil
}

// Thumbnail produces the cover thumbnail, fitted inside the configured
// bounds. Failures yield a placeholder result like Transcode.
func (t *Transcoder) Thumbnail(ctx context.Context, path string, input []byte) (TranscodedImage, error) {
	out := TranscodedImage{SourcePath: path}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("cannot read image header: %v", err)
		return out, nil
	}
	pixels := uint64(cfg.Width) * uint64(cfg.Height)
	if t.MaxPixels > 0 && pixels > uint64(t.MaxPixels) {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("image too large to decode: %dx%d (%d pixels)", cfg.Width, cfg.Height, pixels)
		return out, nil
	}

	granted, err := t.Budget.acquire(ctx, int64(pixels)*decodedBytesPerPixel)
	if err != nil {
		return out, err
	}
	defer t.Budget.release(granted)

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("image decode failed: %v", err)
		return out, nil
	}

	thumb := imaging.Fit(src, t.ThumbWidth, t.ThumbHeight, imaging.Lanczos)

	target := "jpeg"
	var data []byte
	if hasAlpha(thumb) {
		target = "png"
		data, err = encodePNG(thumb)
	} else {
		data, _, err = t.encodeJPEGWithSizeLimit(thumb, t.JPEGQuality)
	}
	if err != nil {
		out.Placeholder = true
		out.Warning = fmt.Sprintf("thumbnail encode failed: %v", err)
		return out, nil
	}

	out.Data = data
	out.Width = thumb.Bounds().Dx()
	out.Height = thumb.Bounds().Dy()
	out.Format = target
	out.Name = thumbName(input, target)
	return out, nil
}

func (t *Transcoder) encodeJPEGWithSizeLimit(img image.Image, startQuality int) ([]byte, int, error) {
	quality := startQuality
	if quality > 100 {
		quality = 100
	}
	minQuality := t.MinJPEGQuality
	if minQuality <= 0 {
		minQuality = minJPEGQuality
	}
	if quality < minQuality {
		quality = minQuality
	}

	best, err := encodeJPEG(img, quality)
	if err != nil {
		return nil, 0, fmt.Errorf("jpeg encode failed: %w", err)
	}
	if t.MaxFileSize <= 0 || len(best) <= t.MaxFileSize {
		return best, quality, nil
	}

	bestQuality := quality
	for q := quality - 5; q >= minQuality; q -= 5 {
		candidate, encErr := encodeJPEG(img, q)
		if encErr != nil {
			return nil, 0, fmt.Errorf("jpeg re-encode failed at quality %d: %w", q, encErr)
		}
		best = candidate
		bestQuality = q
		if len(candidate) <= t.MaxFileSize {
			return candidate, q, nil
		}
	}

	return best, bestQuality, nil
}

// chooseTargetFormat picks the output format. Transparent PNGs stay PNG
// to preserve alpha; everything else becomes JPEG.
func chooseTargetFormat(mediaType, detected string, img image.Image) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/png":
		if hasAlpha(img) {
			return "png"
		}
		return "jpeg"
	}

	if strings.EqualFold(detected, "png") && hasAlpha(img) {
		return "png"
	}
	return "jpeg"
}

func mediaTypeToFormat(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return ""
	}
}

// outputName derives a stable output filename from the source bytes so
// identical sources map to identical outputs across runs.
func outputName(input []byte, format string) string {
	return contentDigest(input)[:12] + "." + formatExt(format)
}

func thumbName(input []byte, format string) string {
	return contentDigest(input)[:12] + "-thumb." + formatExt(format)
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func formatExt(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isAnimatedGIF(data []byte) (bool, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return len(g.Image) > 1, nil
}

func hasAlpha(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xFFFF {
				return true
			}
		}
	}
	return false
}
