package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isurajpanda/epub-to-html/internal/batch"
	"github.com/isurajpanda/epub-to-html/internal/converter"
	"github.com/isurajpanda/epub-to-html/internal/render"
)

const defaultOutDir = "converted"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epub-to-html [flags] <input.epub|directory>...",
		Short: "Convert EPUB books to standalone HTML",
		Long: `epub-to-html converts batches of EPUB books into self-contained HTML
directories: one merged, readable page per book, with its table of
contents, styles and images bundled alongside.

Inputs may be .epub files or directories, which are scanned for .epub
files. Books convert in parallel and fail independently; a broken input
never aborts the rest of the batch.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readCLIOptions(cmd, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringP("out", "o", defaultOutDir, "Output directory, one subdirectory per book")
	cmd.Flags().String("css", "", "Replace the built-in style sheet with this file")
	cmd.Flags().IntP("workers", "w", 0, "Worker count (default: derived from CPU cores)")
	cmd.Flags().Duration("timeout", 0, "Per-book conversion timeout (0 disables)")
	cmd.Flags().StringArray("exclude", nil, "Drop sections with this contents label (repeatable)")
	cmd.Flags().Bool("skip-script-assets", false, "Strip scripts and inline handlers from book content")
	cmd.Flags().Bool("skip-images", false, "Skip image processing entirely")
	cmd.Flags().Bool("cover-only", false, "Emit only the cover image and metadata")
	cmd.Flags().Int("max-image-width", 0, "Downscale images wider than this (default 1080)")
	cmd.Flags().Int("jpeg-quality", 0, "JPEG quality, 60 to 100 (default 80)")
	cmd.Flags().String("profile", "", "YAML profile supplying defaults for these flags")
	cmd.Flags().String("log-format", "console", "Log format: console or json")
	cmd.Flags().BoolP("verbose", "v", false, "Debug logging, disables the progress bar")

	cmd.AddCommand(newWorkerCmd())
	return cmd
}

// newWorkerCmd serves the scheduler's process model: the parent invokes
// this binary again with an encoded job spec and reads a JSON report
// from stdout.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                batch.WorkerCommand,
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := batch.ParseWorkerArgs(args)
			if err != nil {
				return err
			}
			log := buildLogger(os.Stderr, false, "console")
			renderer := render.NewWriter(spec.RenderCSS, log)
			if code := batch.RunWorker(cmd.Context(), spec, renderer, log, os.Stdout); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

// profile mirrors the YAML configuration file. Explicitly set flags win
// over profile values.
type profile struct {
	Out           string   `yaml:"out"`
	CSS           string   `yaml:"css"`
	LogFormat     string   `yaml:"log_format"`
	Workers       int      `yaml:"workers"`
	JobTimeout    string   `yaml:"job_timeout"`
	Exclude       []string `yaml:"exclude"`
	MaxImageWidth int      `yaml:"max_image_width"`
	JPEGQuality   int      `yaml:"jpeg_quality"`
	MaxImageBytes int      `yaml:"max_image_bytes"`
	ThumbWidth    int      `yaml:"thumb_width"`
	ThumbHeight   int      `yaml:"thumb_height"`
	MaxPixels     int      `yaml:"max_pixels"`
	MaxEntrySize  int64    `yaml:"max_entry_size"`
	SkipScripts   bool     `yaml:"skip_script_assets"`
	SkipImages    bool     `yaml:"skip_images"`
	CoverOnly     bool     `yaml:"cover_only"`
}

func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return &p, nil
}

// cliOptions is everything run needs, resolved from flags and the
// optional profile.
type cliOptions struct {
	Inputs     []string
	OutDir     string
	CSS        string
	Workers    int
	JobTimeout time.Duration
	Verbose    bool
	LogFormat  string
	Options    converter.Options
	Logger     zerolog.Logger
}

func readCLIOptions(cmd *cobra.Command, args []string) (*cliOptions, error) {
	flags := cmd.Flags()

	var prof profile
	if path, _ := flags.GetString("profile"); path != "" {
		p, err := loadProfile(path)
		if err != nil {
			return nil, err
		}
		prof = *p
	}

	opts := &cliOptions{}

	opts.OutDir, _ = flags.GetString("out")
	if !flags.Changed("out") && prof.Out != "" {
		opts.OutDir = prof.Out
	}

	opts.CSS, _ = flags.GetString("css")
	if !flags.Changed("css") && prof.CSS != "" {
		opts.CSS = prof.CSS
	}

	opts.Workers, _ = flags.GetInt("workers")
	if !flags.Changed("workers") && prof.Workers > 0 {
		opts.Workers = prof.Workers
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("--workers must not be negative, got %d", opts.Workers)
	}

	opts.JobTimeout, _ = flags.GetDuration("timeout")
	if !flags.Changed("timeout") && prof.JobTimeout != "" {
		d, err := time.ParseDuration(prof.JobTimeout)
		if err != nil {
			return nil, fmt.Errorf("profile job_timeout: %w", err)
		}
		opts.JobTimeout = d
	}

	exclude, _ := flags.GetStringArray("exclude")
	if !flags.Changed("exclude") && len(prof.Exclude) > 0 {
		exclude = prof.Exclude
	}

	maxWidth, _ := flags.GetInt("max-image-width")
	if !flags.Changed("max-image-width") && prof.MaxImageWidth > 0 {
		maxWidth = prof.MaxImageWidth
	}
	if flags.Changed("max-image-width") && maxWidth < 1 {
		return nil, fmt.Errorf("--max-image-width must be positive, got %d", maxWidth)
	}

	quality, _ := flags.GetInt("jpeg-quality")
	if !flags.Changed("jpeg-quality") && prof.JPEGQuality > 0 {
		quality = prof.JPEGQuality
	}
	if quality != 0 && (quality < 60 || quality > 100) {
		return nil, fmt.Errorf("--jpeg-quality must be between 60 and 100, got %d", quality)
	}

	skipScripts, _ := flags.GetBool("skip-script-assets")
	if !flags.Changed("skip-script-assets") && prof.SkipScripts {
		skipScripts = true
	}
	skipImages, _ := flags.GetBool("skip-images")
	if !flags.Changed("skip-images") && prof.SkipImages {
		skipImages = true
	}
	coverOnly, _ := flags.GetBool("cover-only")
	if !flags.Changed("cover-only") && prof.CoverOnly {
		coverOnly = true
	}

	opts.Options = converter.Options{
		MaxImageWidth:   maxWidth,
		JPEGQuality:     quality,
		MaxImageBytes:   prof.MaxImageBytes,
		ThumbWidth:      prof.ThumbWidth,
		ThumbHeight:     prof.ThumbHeight,
		MaxPixels:       prof.MaxPixels,
		MaxEntrySize:    prof.MaxEntrySize,
		ExcludeSections: exclude,
		Flags: converter.Flags{
			SkipScripts: skipScripts,
			SkipImages:  skipImages,
			CoverOnly:   coverOnly,
		},
	}

	logFormat, _ := flags.GetString("log-format")
	if !flags.Changed("log-format") && prof.LogFormat != "" {
		logFormat = prof.LogFormat
	}
	logFormat = strings.ToLower(logFormat)
	if logFormat != "console" && logFormat != "json" {
		return nil, fmt.Errorf("--log-format must be console or json, got %q", logFormat)
	}
	opts.LogFormat = logFormat

	opts.Verbose, _ = flags.GetBool("verbose")
	opts.Logger = buildLogger(os.Stderr, opts.Verbose, opts.LogFormat)

	inputs, err := expandInputs(args)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input books found")
	}
	opts.Inputs = inputs
	return opts, nil
}

// buildLogger returns a logger writing to w. Verbose enables debug
// logging; format selects the console writer or raw JSON lines.
func buildLogger(w io.Writer, verbose bool, format string) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := w
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// expandInputs resolves command line arguments into a flat list of book
// paths. Directory arguments are scanned one level deep for .epub
// files. Nonexistent paths are kept as-is: the batch reports them as
// failed jobs instead of aborting the run.
func expandInputs(args []string) ([]string, error) {
	var inputs []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			inputs = append(inputs, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", arg, err)
		}
		found := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.EqualFold(filepath.Ext(e.Name()), ".epub") {
				inputs = append(inputs, filepath.Join(arg, e.Name()))
				found++
			}
		}
		if found == 0 {
			return nil, fmt.Errorf("no .epub files in %s", arg)
		}
	}
	return inputs, nil
}

// makeJobs assigns each input a distinct output directory under outDir.
func makeJobs(inputs []string, outDir string) []batch.Job {
	jobs := make([]batch.Job, 0, len(inputs))
	used := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		slug := render.Slug(in)
		candidate := slug
		for i := 2; used[candidate]; i++ {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		used[candidate] = true
		jobs = append(jobs, batch.Job{Input: in, OutputDir: filepath.Join(outDir, candidate)})
	}
	return jobs
}

func run(ctx context.Context, opts *cliOptions) error {
	capability := batch.Probe()
	jobs := makeJobs(opts.Inputs, opts.OutDir)

	var bar *progressbar.ProgressBar
	var onProgress func(batch.Progress)
	if !opts.Verbose {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetDescription("converting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		onProgress = func(p batch.Progress) {
			_ = bar.Set(p.Finished())
		}
	}

	renderer := render.NewWriter(opts.CSS, opts.Logger)
	sched := batch.New(batch.Config{
		Workers:    opts.Workers,
		JobTimeout: opts.JobTimeout,
		Options:    opts.Options,
		Capability: capability,
		RenderCSS:  opts.CSS,
		OnProgress: onProgress,
	}, renderer, opts.Logger)

	report := sched.Run(ctx, jobs)
	if bar != nil {
		_ = bar.Finish()
	}

	printSummary(os.Stdout, report)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d conversions failed", report.Failed, len(jobs))
	}
	return nil
}

func printSummary(w io.Writer, report *batch.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, js := range report.Jobs {
		if js.State == batch.StateDone {
			line := fmt.Sprintf("%s %s -> %s", green("ok"), js.Input, js.OutputDir)
			if js.Result != nil {
				line += fmt.Sprintf(" (%d sections, %d images", js.Result.Sections, js.Result.Images)
				if n := len(js.Result.Warnings); n > 0 {
					line += fmt.Sprintf(", %d warnings", n)
				}
				line += ")"
			}
			fmt.Fprintln(w, line)
			continue
		}
		fmt.Fprintf(w, "%s %s: %v\n", red("failed"), js.Input, js.Err)
	}

	fmt.Fprintf(w, "\n%s %d  %s %d  (%d workers, %s, %s)\n",
		green("done:"), report.Done,
		red("failed:"), report.Failed,
		report.Workers, report.Model, report.Duration.Round(time.Millisecond))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
