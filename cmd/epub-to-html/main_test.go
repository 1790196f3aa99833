package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/isurajpanda/epub-to-html/internal/batch"
	"github.com/isurajpanda/epub-to-html/internal/converter"
)

func readOptionsForTest(t *testing.T, flagArgs ...string) (*cliOptions, error) {
	t.Helper()
	cmd := newRootCmd()
	if err := cmd.ParseFlags(flagArgs); err != nil {
		return nil, err
	}
	return readCLIOptions(cmd, []string{"./books/sample.epub"})
}

func TestReadCLIOptions_Defaults(t *testing.T) {
	opts, err := readOptionsForTest(t)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}

	if opts.OutDir != defaultOutDir {
		t.Fatalf("OutDir = %q, want %q", opts.OutDir, defaultOutDir)
	}
	if opts.Workers != 0 {
		t.Fatalf("Workers = %d, want 0", opts.Workers)
	}
	if opts.JobTimeout != 0 {
		t.Fatalf("JobTimeout = %v, want 0", opts.JobTimeout)
	}
	if opts.Options.Flags.SkipImages || opts.Options.Flags.SkipScripts || opts.Options.Flags.CoverOnly {
		t.Fatalf("Flags = %+v, want all unset", opts.Options.Flags)
	}
	if got := opts.Logger.GetLevel(); got != zerolog.WarnLevel {
		t.Fatalf("log level = %v, want warn", got)
	}
	if opts.LogFormat != "console" {
		t.Fatalf("LogFormat = %q, want console", opts.LogFormat)
	}
	if len(opts.Inputs) != 1 || opts.Inputs[0] != "./books/sample.epub" {
		t.Fatalf("Inputs = %v, want the given path", opts.Inputs)
	}
}

func TestReadCLIOptions_CustomFlags(t *testing.T) {
	opts, err := readOptionsForTest(t,
		"--out", "./www",
		"--css", "./reader.css",
		"--workers", "4",
		"--timeout", "90s",
		"--exclude", "Copyright",
		"--exclude", "Index",
		"--skip-script-assets",
		"--skip-images",
		"--cover-only",
		"--max-image-width", "720",
		"--jpeg-quality", "90",
		"--verbose",
	)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}

	if opts.OutDir != "./www" {
		t.Fatalf("OutDir = %q", opts.OutDir)
	}
	if opts.CSS != "./reader.css" {
		t.Fatalf("CSS = %q", opts.CSS)
	}
	if opts.Workers != 4 {
		t.Fatalf("Workers = %d", opts.Workers)
	}
	if opts.JobTimeout != 90*time.Second {
		t.Fatalf("JobTimeout = %v", opts.JobTimeout)
	}
	want := []string{"Copyright", "Index"}
	if len(opts.Options.ExcludeSections) != 2 ||
		opts.Options.ExcludeSections[0] != want[0] ||
		opts.Options.ExcludeSections[1] != want[1] {
		t.Fatalf("ExcludeSections = %v, want %v", opts.Options.ExcludeSections, want)
	}
	if !opts.Options.Flags.SkipScripts || !opts.Options.Flags.SkipImages || !opts.Options.Flags.CoverOnly {
		t.Fatalf("Flags = %+v, want all set", opts.Options.Flags)
	}
	if opts.Options.MaxImageWidth != 720 {
		t.Fatalf("MaxImageWidth = %d", opts.Options.MaxImageWidth)
	}
	if opts.Options.JPEGQuality != 90 {
		t.Fatalf("JPEGQuality = %d", opts.Options.JPEGQuality)
	}
	if got := opts.Logger.GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("log level = %v, want debug with --verbose", got)
	}
}

func TestReadCLIOptions_InvalidQuality(t *testing.T) {
	_, err := readOptionsForTest(t, "--jpeg-quality", "59")
	if err == nil || !strings.Contains(err.Error(), "--jpeg-quality") {
		t.Fatalf("expected jpeg-quality validation error, got %v", err)
	}

	_, err = readOptionsForTest(t, "--jpeg-quality", "101")
	if err == nil || !strings.Contains(err.Error(), "--jpeg-quality") {
		t.Fatalf("expected jpeg-quality validation error, got %v", err)
	}
}

func TestReadCLIOptions_InvalidMaxImageWidth(t *testing.T) {
	_, err := readOptionsForTest(t, "--max-image-width", "0")
	if err == nil || !strings.Contains(err.Error(), "--max-image-width") {
		t.Fatalf("expected max-image-width validation error, got %v", err)
	}
}

func TestReadCLIOptions_NegativeWorkers(t *testing.T) {
	_, err := readOptionsForTest(t, "--workers", "-1")
	if err == nil || !strings.Contains(err.Error(), "--workers") {
		t.Fatalf("expected workers validation error, got %v", err)
	}
}

func TestReadCLIOptions_InvalidLogFormat(t *testing.T) {
	_, err := readOptionsForTest(t, "--log-format", "yaml")
	if err == nil || !strings.Contains(err.Error(), "--log-format") {
		t.Fatalf("expected log-format validation error, got %v", err)
	}
}

func TestReadCLIOptions_LogFormatCaseInsensitive(t *testing.T) {
	opts, err := readOptionsForTest(t, "--log-format", "JSON")
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", opts.LogFormat)
	}
}

func TestReadCLIOptions_Profile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	profileYAML := `out: ./converted-profile
workers: 3
jpeg_quality: 70
job_timeout: 45s
log_format: json
exclude:
  - Copyright
skip_images: true
max_image_width: 800
thumb_width: 200
`
	if err := os.WriteFile(path, []byte(profileYAML), 0o644); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	opts, err := readOptionsForTest(t, "--profile", path)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts.OutDir != "./converted-profile" {
		t.Fatalf("OutDir = %q, want profile value", opts.OutDir)
	}
	if opts.Workers != 3 {
		t.Fatalf("Workers = %d, want 3", opts.Workers)
	}
	if opts.JobTimeout != 45*time.Second {
		t.Fatalf("JobTimeout = %v, want 45s", opts.JobTimeout)
	}
	if opts.Options.JPEGQuality != 70 {
		t.Fatalf("JPEGQuality = %d, want 70", opts.Options.JPEGQuality)
	}
	if len(opts.Options.ExcludeSections) != 1 || opts.Options.ExcludeSections[0] != "Copyright" {
		t.Fatalf("ExcludeSections = %v", opts.Options.ExcludeSections)
	}
	if !opts.Options.Flags.SkipImages {
		t.Fatal("SkipImages = false, want true from profile")
	}
	if opts.Options.MaxImageWidth != 800 {
		t.Fatalf("MaxImageWidth = %d, want 800", opts.Options.MaxImageWidth)
	}
	if opts.Options.ThumbWidth != 200 {
		t.Fatalf("ThumbWidth = %d, want 200", opts.Options.ThumbWidth)
	}
	if opts.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json from profile", opts.LogFormat)
	}
}

func TestReadCLIOptions_FlagsOverrideProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte("out: ./from-profile\njpeg_quality: 70\nworkers: 3\n"), 0o644); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	opts, err := readOptionsForTest(t, "--profile", path, "--jpeg-quality", "95", "--out", "./explicit")
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts.Options.JPEGQuality != 95 {
		t.Fatalf("JPEGQuality = %d, want the flag value 95", opts.Options.JPEGQuality)
	}
	if opts.OutDir != "./explicit" {
		t.Fatalf("OutDir = %q, want the flag value", opts.OutDir)
	}
	if opts.Workers != 3 {
		t.Fatalf("Workers = %d, want the profile value 3", opts.Workers)
	}
}

func TestReadCLIOptions_ProfileBadTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte("job_timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	_, err := readOptionsForTest(t, "--profile", path)
	if err == nil || !strings.Contains(err.Error(), "job_timeout") {
		t.Fatalf("expected job_timeout parse error, got %v", err)
	}
}

func TestExpandInputs_Directory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.epub", "B.EPUB", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	inputs, err := expandInputs([]string{dir})
	if err != nil {
		t.Fatalf("expandInputs: %v", err)
	}
	want := []string{filepath.Join(dir, "B.EPUB"), filepath.Join(dir, "a.epub")}
	if len(inputs) != 2 || inputs[0] != want[0] || inputs[1] != want[1] {
		t.Fatalf("inputs = %v, want %v", inputs, want)
	}
}

func TestExpandInputs_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := expandInputs([]string{dir}); err == nil {
		t.Fatal("expandInputs accepted a directory without books")
	}
}

func TestExpandInputs_MissingFileKept(t *testing.T) {
	inputs, err := expandInputs([]string{"ghost.epub"})
	if err != nil {
		t.Fatalf("expandInputs: %v", err)
	}
	if len(inputs) != 1 || inputs[0] != "ghost.epub" {
		t.Fatalf("inputs = %v, want the missing path kept", inputs)
	}
}

func TestMakeJobs_SlugCollision(t *testing.T) {
	jobs := makeJobs([]string{"x/Alpha.epub", "y/alpha.epub", "z/beta.epub"}, "out")
	want := []string{
		filepath.Join("out", "alpha"),
		filepath.Join("out", "alpha-2"),
		filepath.Join("out", "beta"),
	}
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	for i, job := range jobs {
		if job.OutputDir != want[i] {
			t.Fatalf("job %d OutputDir = %q, want %q", i, job.OutputDir, want[i])
		}
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	if got := buildLogger(&buf, false, "console").GetLevel(); got != zerolog.WarnLevel {
		t.Fatalf("default level = %v, want warn", got)
	}
	if got := buildLogger(&buf, true, "console").GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("verbose level = %v, want debug", got)
	}
}

func TestBuildLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := buildLogger(&buf, false, "JSON")
	log.Warn().Str("book", "a.epub").Msg("skipped")

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Fatalf("json log output = %q, want a JSON object", out)
	}
	if !strings.Contains(out, `"book":"a.epub"`) {
		t.Fatalf("json log output = %q, want the book field", out)
	}
}

func TestPrintSummary(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	report := &batch.Report{
		Done:    1,
		Failed:  1,
		Workers: 2,
		Model:   batch.ModelGoroutines,
		Jobs: []batch.JobStatus{
			{
				Job:   batch.Job{Input: "good.epub", OutputDir: "out/good"},
				State: batch.StateDone,
				Result: &converter.Result{
					Sections: 2,
					Images:   3,
					Warnings: []converter.Warning{{Kind: "spine_item", Detail: "skipped"}},
				},
			},
			{
				Job:   batch.Job{Input: "bad.epub", OutputDir: "out/bad"},
				State: batch.StateFailed,
				Err:   errors.New("container: not a zip"),
			},
		},
		Duration: 1234 * time.Millisecond,
	}

	var buf bytes.Buffer
	printSummary(&buf, report)
	out := buf.String()

	for _, want := range []string{
		"ok good.epub -> out/good (2 sections, 3 images, 1 warnings)",
		"failed bad.epub: container: not a zip",
		"done: 1",
		"failed: 1",
		"2 workers",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}
