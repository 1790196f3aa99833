package batch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/isurajpanda/epub-to-html/internal/converter"
)

// WorkerCommand is the hidden subcommand under which the binary
// re-executes itself to run a single job in isolation.
const WorkerCommand = "__worker"

// WorkerSpec fully describes one worker process invocation.
type WorkerSpec struct {
	Job       Job               `json:"job"`
	Options   converter.Options `json:"options"`
	RenderCSS string            `json:"render_css,omitempty"`
}

// workerReport is the outcome a worker process writes to stdout. A
// worker exits zero whenever it produced a report; the job outcome,
// including failure, lives inside the report. A nonzero exit therefore
// means the worker itself crashed.
type workerReport struct {
	Result    *converter.Result `json:"result,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// WorkerArgs encodes one job as argv for the worker subcommand. The
// spec travels as a single base64 JSON token, which keeps the protocol
// immune to shell quoting and flag parsing.
func WorkerArgs(spec WorkerSpec) ([]string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding worker payload: %w", err)
	}
	return []string{WorkerCommand, base64.StdEncoding.EncodeToString(raw)}, nil
}

// ParseWorkerArgs decodes the argv produced by WorkerArgs. args holds
// everything after the subcommand name.
func ParseWorkerArgs(args []string) (WorkerSpec, error) {
	if len(args) != 1 {
		return WorkerSpec{}, fmt.Errorf("worker expects one payload argument, got %d", len(args))
	}
	raw, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return WorkerSpec{}, fmt.Errorf("decoding worker payload: %w", err)
	}
	var spec WorkerSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return WorkerSpec{}, fmt.Errorf("parsing worker payload: %w", err)
	}
	return spec, nil
}

// RunWorker executes one job in this process and writes a JSON report
// to w. It returns the process exit code: zero when a report was
// written, nonzero when even the report could not be produced.
func RunWorker(ctx context.Context, spec WorkerSpec, renderer converter.Renderer, log zerolog.Logger, w io.Writer) int {
	p := converter.NewPipeline(spec.Options, renderer, nil, nil, log)
	res, err := p.Run(ctx, spec.Job.Input, spec.Job.OutputDir)

	report := workerReport{Result: res}
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = converter.KindScheduler
		var jerr *converter.JobError
		if errors.As(err, &jerr) && jerr.Kind != "" {
			report.ErrorKind = jerr.Kind
		}
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "writing worker report: %v\n", err)
		return 1
	}
	return 0
}

// runJobProcess executes one job in a freshly spawned worker process.
// The worker is this same binary invoked with the hidden subcommand; a
// crash or unreadable report fails only this job.
func (s *Scheduler) runJobProcess(ctx context.Context, job Job) (*converter.Result, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &converter.JobError{
			Kind: converter.KindScheduler,
			Err:  fmt.Errorf("locating worker executable: %w", err),
		}
	}
	args, err := WorkerArgs(WorkerSpec{Job: job, Options: s.cfg.Options, RenderCSS: s.cfg.RenderCSS})
	if err != nil {
		return nil, &converter.JobError{Kind: converter.KindScheduler, Err: err}
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := bytes.TrimSpace(stderr.Bytes())
		if len(detail) > 0 {
			err = fmt.Errorf("worker process failed: %v: %s", err, detail)
		} else {
			err = fmt.Errorf("worker process failed: %w", err)
		}
		return nil, &converter.JobError{Kind: converter.KindScheduler, Err: err}
	}

	var report workerReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, &converter.JobError{
			Kind: converter.KindScheduler,
			Err:  fmt.Errorf("unreadable worker report: %w", err),
		}
	}
	if report.Error != "" {
		kind := report.ErrorKind
		if kind == "" {
			kind = converter.KindScheduler
		}
		return report.Result, &converter.JobError{Kind: kind, Err: errors.New(report.Error)}
	}
	if report.Result == nil {
		report.Result = &converter.Result{Input: job.Input}
	}
	return report.Result, nil
}
