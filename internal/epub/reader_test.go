package epub

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// zipEntry describes one member of a test container.
type zipEntry struct {
	name    string
	content string
	stored  bool // use Store instead of Deflate
}

// buildEPUB writes a ZIP file with the given entries and returns its path.
func buildEPUB(t *testing.T, name string, entries []zipEntry) string {
	t.Helper()
	epubPath := filepath.Join(t.TempDir(), name)
	f, err := os.Create(epubPath)
	if err != nil {
		t.Fatalf("failed to create test epub: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	defer w.Close()

	for _, e := range entries {
		method := zip.Deflate
		if e.stored {
			method = zip.Store
		}
		fw, err := w.CreateHeader(&zip.FileHeader{Name: e.name, Method: method})
		if err != nil {
			t.Fatalf("failed to create %s: %v", e.name, err)
		}
		fw.Write([]byte(e.content))
	}

	return epubPath
}

const testContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Test Book</dc:title>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>
    <item id="chapter1" href="chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="chapter1"/>
  </spine>
</package>`

// createTestEPUB creates a minimal valid EPUB file for testing
func createTestEPUB(t *testing.T) string {
	t.Helper()
	return buildEPUB(t, "test.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "META-INF/container.xml", content: testContainerXML},
		{name: "OEBPS/content.opf", content: testOPF},
		{name: "OEBPS/chapter1.xhtml", content: `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter 1</title></head>
<body><h1>Chapter 1</h1><p>Hello, World!</p></body>
</html>`},
	})
}

func TestOpen(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	if len(reader.Warnings()) != 0 {
		t.Errorf("Warnings() = %v, want none", reader.Warnings())
	}
}

func TestOpen_FileNotFound(t *testing.T) {
	_, err := Open("/nonexistent/file.epub")
	if err == nil {
		t.Fatal("Open() should fail for nonexistent file")
	}
}

func TestOpen_NotAZip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "notazip.epub")
	if err := os.WriteFile(p, []byte("this is not a zip archive"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := Open(p)
	if err == nil {
		t.Fatal("Open() should fail for a non-ZIP file")
	}
}

func TestOpen_MimetypeWarnings(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
		want    string
	}{
		{
			name: "missing mimetype",
			entries: []zipEntry{
				{name: "META-INF/container.xml", content: testContainerXML},
				{name: "OEBPS/content.opf", content: testOPF},
			},
			want: "mimetype entry missing",
		},
		{
			name: "compressed mimetype",
			entries: []zipEntry{
				{name: "mimetype", content: "application/epub+zip"},
				{name: "META-INF/container.xml", content: testContainerXML},
				{name: "OEBPS/content.opf", content: testOPF},
			},
			want: "mimetype entry is compressed",
		},
		{
			name: "wrong mimetype",
			entries: []zipEntry{
				{name: "mimetype", content: "text/plain", stored: true},
				{name: "META-INF/container.xml", content: testContainerXML},
				{name: "OEBPS/content.opf", content: testOPF},
			},
			want: `unexpected mimetype "text/plain"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := Open(buildEPUB(t, "test.epub", tt.entries))
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			defer reader.Close()

			found := false
			for _, w := range reader.Warnings() {
				if w == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("Warnings() = %v, want to contain %q", reader.Warnings(), tt.want)
			}
		})
	}
}

func TestOpen_NoContainerFallsBackToOPFScan(t *testing.T) {
	reader, err := Open(buildEPUB(t, "no_container.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "OEBPS/content.opf", content: testOPF},
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	if reader.OPFPath() != "OEBPS/content.opf" {
		t.Errorf("OPFPath() = %q, want %q", reader.OPFPath(), "OEBPS/content.opf")
	}
	if len(reader.Warnings()) == 0 {
		t.Error("Warnings() empty, want a container.xml warning")
	}
}

func TestOpen_NoPackageDocument(t *testing.T) {
	_, err := Open(buildEPUB(t, "no_opf.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
	}))
	if !errors.Is(err, ErrNoPackageDocument) {
		t.Errorf("Open() error = %v, want ErrNoPackageDocument", err)
	}
}

func TestOpen_DRMProtected(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{
			name: "apple fairplay",
			entries: []zipEntry{
				{name: "mimetype", content: "application/epub+zip", stored: true},
				{name: "META-INF/container.xml", content: testContainerXML},
				{name: "META-INF/sinf.xml", content: "<sinf/>"},
				{name: "OEBPS/content.opf", content: testOPF},
			},
		},
		{
			name: "adobe adept",
			entries: []zipEntry{
				{name: "mimetype", content: "application/epub+zip", stored: true},
				{name: "META-INF/container.xml", content: testContainerXML},
				{name: "META-INF/encryption.xml", content: `<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">
    <EncryptionMethod Algorithm="http://www.w3.org/2001/04/xmlenc#aes128-cbc"/>
    <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
      <resource xmlns="http://ns.adobe.com/adept">urn:uuid:0</resource>
    </KeyInfo>
  </EncryptedData>
</encryption>`},
				{name: "OEBPS/content.opf", content: testOPF},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(buildEPUB(t, "drm.epub", tt.entries))
			if !errors.Is(err, ErrEncrypted) {
				t.Errorf("Open() error = %v, want ErrEncrypted", err)
			}
		})
	}
}

func TestOpen_FontObfuscationOnlyWarns(t *testing.T) {
	reader, err := Open(buildEPUB(t, "fonts.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "META-INF/container.xml", content: testContainerXML},
		{name: "META-INF/encryption.xml", content: `<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">
    <EncryptionMethod Algorithm="http://www.idpf.org/2008/embedding"/>
  </EncryptedData>
</encryption>`},
		{name: "OEBPS/content.opf", content: testOPF},
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	found := false
	for _, w := range reader.Warnings() {
		if strings.Contains(w, "obfuscated") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings() = %v, want a font obfuscation warning", reader.Warnings())
	}
}

func TestReader_OPFPath(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	expected := "OEBPS/content.opf"
	if reader.OPFPath() != expected {
		t.Errorf("OPFPath() = %q, want %q", reader.OPFPath(), expected)
	}
}

func TestReader_Files(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	files := reader.Files()
	want := []string{
		"META-INF/container.xml",
		"OEBPS/chapter1.xhtml",
		"OEBPS/content.opf",
		"mimetype",
	}
	if len(files) != len(want) {
		t.Fatalf("Files() = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("Files()[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestReader_ReadFile(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	content, err := reader.ReadFile("mimetype")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}

	expected := "application/epub+zip"
	if string(content) != expected {
		t.Errorf("ReadFile() = %q, want %q", string(content), expected)
	}
}

func TestReader_ReadFile_NotFound(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	_, err = reader.ReadFile("nonexistent.txt")
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("ReadFile() error = %v, want ErrFileNotFound", err)
	}
}

func TestReader_ReadFile_CaseInsensitiveFallback(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	content, err := reader.ReadFile("OEBPS/Chapter1.XHTML")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(content), "Hello, World!") {
		t.Error("ReadFile() case-insensitive fallback returned wrong content")
	}
}

func TestReader_OpenFile(t *testing.T) {
	reader, err := Open(createTestEPUB(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	rc, err := reader.OpenFile("OEBPS/chapter1.xhtml")
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	if !strings.Contains(string(content), "Hello, World!") {
		t.Error("OpenFile() stream returned wrong content")
	}
}

func TestReader_DecompressionLimit(t *testing.T) {
	big := strings.Repeat("A", 4096)
	epubPath := buildEPUB(t, "big.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "META-INF/container.xml", content: testContainerXML},
		{name: "OEBPS/content.opf", content: testOPF},
		{name: "OEBPS/big.xhtml", content: big},
	})

	reader, err := OpenWithLimit(epubPath, 1024)
	if err != nil {
		t.Fatalf("OpenWithLimit() failed: %v", err)
	}
	defer reader.Close()

	if _, err := reader.ReadFile("OEBPS/big.xhtml"); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("ReadFile() error = %v, want ErrEntryTooLarge", err)
	}

	rc, err := reader.OpenFile("OEBPS/big.xhtml")
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("stream read error = %v, want ErrEntryTooLarge", err)
	}

	// Small entries still read fine under the same limit.
	if _, err := reader.ReadFile("mimetype"); err != nil {
		t.Errorf("ReadFile(mimetype) failed: %v", err)
	}
}

func TestReader_UnsafeEntryPath(t *testing.T) {
	epubPath := buildEPUB(t, "traversal.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "META-INF/container.xml", content: testContainerXML},
		{name: "OEBPS/content.opf", content: testOPF},
		{name: "../../evil.txt", content: "evil"},
	})

	reader, err := Open(epubPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	if _, err := reader.ReadFile("../../evil.txt"); !errors.Is(err, ErrUnsafeEntryPath) {
		t.Errorf("ReadFile() error = %v, want ErrUnsafeEntryPath", err)
	}
}

// Test path normalization (handling of ./ prefix)
func TestOpen_PathNormalization(t *testing.T) {
	containerXML := `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="./OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

	reader, err := Open(buildEPUB(t, "normalized.epub", []zipEntry{
		{name: "mimetype", content: "application/epub+zip", stored: true},
		{name: "META-INF/container.xml", content: containerXML},
		{name: "OEBPS/content.opf", content: testOPF},
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	// Should normalize ./OEBPS/content.opf to OEBPS/content.opf
	expected := "OEBPS/content.opf"
	if reader.OPFPath() != expected {
		t.Errorf("OPFPath() = %q, want %q (path should be normalized)", reader.OPFPath(), expected)
	}
}
