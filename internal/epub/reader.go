package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// DefaultMaxEntrySize is the maximum decompressed size allowed for a single
// container entry. Guards against zip bombs.
const DefaultMaxEntrySize int64 = 256 * 1024 * 1024

var (
	ErrContainerNotFound = errors.New("META-INF/container.xml not found")
	ErrOPFPathNotFound   = errors.New("OPF path not found in container.xml")
	ErrNoPackageDocument = errors.New("no package document found in container")
	ErrFileNotFound      = errors.New("file not found in container")
	ErrEncrypted         = errors.New("container is DRM protected")
	ErrEntryTooLarge     = errors.New("entry exceeds decompression limit")
	ErrUnsafeEntryPath   = errors.New("entry path escapes container root")
)

// Reader provides streamed access to the members of an EPUB container.
// It holds an open file handle for its lifetime; Close must be called on
// every exit path.
type Reader struct {
	zipReader    *zip.ReadCloser
	files        map[string]*zip.File
	lower        map[string]*zip.File
	opfPath      string
	warnings     []string
	maxEntrySize int64
}

// container.xml structure
type container struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath  string `xml:"full-path,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

// Open opens an EPUB container and validates its structure.
func Open(path string) (*Reader, error) {
	return OpenWithLimit(path, DefaultMaxEntrySize)
}

// OpenWithLimit opens an EPUB container with a custom per-entry
// decompression limit.
func OpenWithLimit(path string, maxEntrySize int64) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}

	reader := &Reader{
		zipReader:    zr,
		files:        make(map[string]*zip.File),
		lower:        make(map[string]*zip.File),
		maxEntrySize: maxEntrySize,
	}

	// Build file maps with normalized paths. The lowercase map backs a
	// case-insensitive fallback for containers authored with mismatched
	// reference casing.
	for _, f := range zr.File {
		name := normalizePath(f.Name)
		reader.files[name] = f
		key := strings.ToLower(name)
		if _, ok := reader.lower[key]; !ok {
			reader.lower[key] = f
		}
	}

	if err := reader.checkEncryption(); err != nil {
		zr.Close()
		return nil, err
	}

	// A wrong or missing mimetype entry is common in the wild and the
	// content is still extractable, so it only warns.
	reader.checkMimetype()

	if err := reader.resolveOPFPath(); err != nil {
		zr.Close()
		return nil, err
	}

	return reader, nil
}

// Close closes the container handle.
func (r *Reader) Close() error {
	return r.zipReader.Close()
}

// OPFPath returns the path to the OPF package document.
func (r *Reader) OPFPath() string {
	return r.opfPath
}

// Warnings returns non-fatal findings recorded while opening the container.
func (r *Reader) Warnings() []string {
	return r.warnings
}

// Files returns the normalized paths of all container members, sorted.
func (r *Reader) Files() []string {
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the container holds a member at path.
func (r *Reader) Has(path string) bool {
	_, ok := r.lookup(path)
	return ok
}

// ReadFile reads the full contents of a container member. The read is
// bounded by the reader's decompression limit.
func (r *Reader) ReadFile(path string) ([]byte, error) {
	f, ok := r.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	return r.readEntry(f)
}

// OpenFile opens a container member for streamed reading. The returned
// stream errors with ErrEntryTooLarge once the decompression limit is
// exceeded. The caller must close it.
func (r *Reader) OpenFile(path string) (io.ReadCloser, error) {
	f, ok := r.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	if !isSafePath(f.Name) {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrUnsafeEntryPath)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	return &limitedEntry{rc: rc, remaining: r.maxEntrySize, name: path}, nil
}

// lookup finds a member by normalized path, falling back to a
// case-insensitive match.
func (r *Reader) lookup(p string) (*zip.File, bool) {
	p = normalizePath(p)
	if f, ok := r.files[p]; ok {
		return f, true
	}
	f, ok := r.lower[strings.ToLower(p)]
	return f, ok
}

// readEntry reads an entry enforcing path safety and the decompression
// limit. The declared uncompressed size is not trusted; the stream itself
// is bounded.
func (r *Reader) readEntry(f *zip.File) ([]byte, error) {
	if !isSafePath(f.Name) {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrUnsafeEntryPath)
	}
	if f.UncompressedSize64 > uint64(r.maxEntrySize) {
		return nil, fmt.Errorf("%s: declared size %d: %w", f.Name, f.UncompressedSize64, ErrEntryTooLarge)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", f.Name, err)
	}
	defer rc.Close()

	// Read one byte past the limit to detect forged size declarations.
	data, err := io.ReadAll(io.LimitReader(rc, r.maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", f.Name, err)
	}
	if int64(len(data)) > r.maxEntrySize {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
	}
	return data, nil
}

// checkMimetype records warnings for a missing, compressed, or wrong
// mimetype entry.
func (r *Reader) checkMimetype() {
	f, ok := r.files["mimetype"]
	if !ok {
		r.warnings = append(r.warnings, "mimetype entry missing")
		return
	}
	if f.Method != zip.Store {
		r.warnings = append(r.warnings, "mimetype entry is compressed")
	}
	content, err := r.readEntry(f)
	if err != nil {
		r.warnings = append(r.warnings, "mimetype entry unreadable")
		return
	}
	if string(bytes.TrimSpace(content)) != "application/epub+zip" {
		r.warnings = append(r.warnings, fmt.Sprintf("unexpected mimetype %q", bytes.TrimSpace(content)))
	}
}

// resolveOPFPath locates the package document via META-INF/container.xml,
// falling back to a whole-archive scan for a .opf entry.
func (r *Reader) resolveOPFPath() error {
	opfPath, err := r.parseContainer()
	if err == nil {
		r.opfPath = opfPath
		return nil
	}

	// Fallback: scan for the first .opf entry.
	for _, name := range r.Files() {
		if strings.HasSuffix(strings.ToLower(name), ".opf") {
			r.warnings = append(r.warnings, fmt.Sprintf("container.xml unusable (%v); using %s", err, name))
			r.opfPath = name
			return nil
		}
	}

	return fmt.Errorf("%v: %w", err, ErrNoPackageDocument)
}

// parseContainer parses container.xml and returns the declared OPF path.
func (r *Reader) parseContainer() (string, error) {
	f, ok := r.lookup("META-INF/container.xml")
	if !ok {
		return "", ErrContainerNotFound
	}
	content, err := r.readEntry(f)
	if err != nil {
		return "", ErrContainerNotFound
	}

	var c container
	if err := xml.Unmarshal(stripBOM(content), &c); err != nil {
		return "", fmt.Errorf("failed to parse container.xml: %w", err)
	}

	// Prefer the rootfile with the package media type.
	for _, rf := range c.Rootfiles.Rootfile {
		if rf.MediaType == "application/oebps-package+xml" && rf.FullPath != "" {
			return normalizePath(rf.FullPath), nil
		}
	}
	for _, rf := range c.Rootfiles.Rootfile {
		if rf.FullPath != "" {
			return normalizePath(rf.FullPath), nil
		}
	}

	return "", ErrOPFPathNotFound
}

// limitedEntry is a streamed entry read that fails once the decompression
// limit is crossed.
type limitedEntry struct {
	rc        io.ReadCloser
	remaining int64
	name      string
}

func (l *limitedEntry) Read(p []byte) (int, error) {
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, fmt.Errorf("%s: %w", l.name, ErrEntryTooLarge)
	}
	return n, err
}

func (l *limitedEntry) Close() error {
	return l.rc.Close()
}

// normalizePath normalizes container member paths (removes ./ prefix,
// forward slashes, collapses . and .. segments).
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// isSafePath reports whether p stays inside the container root.
func isSafePath(p string) bool {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "/") {
		return false
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// stripBOM removes a leading UTF-8 byte order mark, if present.
func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
