// Package batch runs many book conversions across a bounded worker
// pool. The concurrency model is chosen once per process from a
// capability probe: goroutine workers sharing one transcode cache when
// parallel execution is available, isolated worker processes otherwise.
// Every job runs exactly one pipeline and fails on its own; a broken
// input, a panic, or a crashed worker process never takes the rest of
// the batch down with it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/isurajpanda/epub-to-html/internal/converter"
)

// WorkerModel names the concurrency model chosen for a run.
type WorkerModel string

const (
	ModelGoroutines WorkerModel = "goroutines"
	ModelProcesses  WorkerModel = "processes"
)

// Config controls a batch run.
type Config struct {
	// Workers is the requested pool size. Zero derives it from the
	// capability's core count.
	Workers int

	// JobTimeout bounds a single job. Zero disables the timeout.
	JobTimeout time.Duration

	// PerImageMemory is the decode budget reserved per worker, in
	// bytes. Zero uses the transcoder default.
	PerImageMemory int64

	Options    converter.Options
	Capability Capability

	// RenderCSS is forwarded to worker processes so they construct the
	// same renderer as the parent. Goroutine workers ignore it and use
	// the injected renderer directly.
	RenderCSS string

	// OnProgress receives a snapshot after every state transition.
	// Calls are serialized.
	OnProgress func(Progress)
}

// Report summarizes a completed batch run.
type Report struct {
	RunID    string
	Done     int
	Failed   int
	Workers  int
	Model    WorkerModel
	Jobs     []JobStatus
	Duration time.Duration
}

// Scheduler drives conversion jobs across the worker pool.
type Scheduler struct {
	cfg      Config
	renderer converter.Renderer
	log      zerolog.Logger
}

func New(cfg Config, renderer converter.Renderer, log zerolog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, renderer: renderer, log: log}
}

// Run converts all jobs and reports per-job outcomes. Job failures are
// contained in the report; Run itself does not fail. Canceling ctx
// fails the jobs still in flight and skips the ones not yet started.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) *Report {
	start := time.Now()

	model := ModelGoroutines
	if !s.cfg.Capability.Parallel {
		model = ModelProcesses
	}
	report := &Report{RunID: uuid.NewString(), Model: model, Jobs: make([]JobStatus, len(jobs))}
	for i, job := range jobs {
		report.Jobs[i] = JobStatus{Job: job, State: StateQueued}
	}
	if len(jobs) == 0 {
		report.Duration = time.Since(start)
		return report
	}

	workers := s.cfg.Capability.Workers(s.cfg.Workers, len(jobs))
	report.Workers = workers
	log := s.log.With().Str("run", report.RunID).Logger()
	log.Debug().
		Int("jobs", len(jobs)).
		Int("workers", workers).
		Str("model", string(model)).
		Msg("starting batch")

	cache := converter.NewTranscodeCache()
	budget := converter.NewMemoryBudget(workers, s.cfg.PerImageMemory)
	tr := newTracker(len(jobs), s.cfg.OnProgress)

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			s.runJob(ctx, tr, i, &report.Jobs[i], cache, budget, model, log)
			return nil
		})
	}
	g.Wait()

	for i := range report.Jobs {
		if report.Jobs[i].State == StateDone {
			report.Done++
		} else {
			report.Failed++
		}
	}
	report.Duration = time.Since(start)
	log.Info().
		Int("done", report.Done).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("batch finished")
	return report
}

func (s *Scheduler) runJob(ctx context.Context, tr *tracker, idx int, status *JobStatus, cache *converter.TranscodeCache, budget *converter.MemoryBudget, model WorkerModel, runLog zerolog.Logger) {
	log := runLog.With().Int("job", idx).Str("input", status.Input).Logger()

	if err := ctx.Err(); err != nil {
		s.finish(tr, idx, status, nil, &converter.JobError{
			Kind: converter.KindScheduler,
			Err:  fmt.Errorf("batch canceled before job started: %w", err),
		}, log)
		return
	}

	jobCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	var res *converter.Result
	var err error
	if model == ModelProcesses {
		// Worker processes report only their final outcome, so the
		// whole run shows as one coarse state.
		tr.set(idx, StateExtracting)
		res, err = s.runJobProcess(jobCtx, status.Job)
	} else {
		res, err = s.runJobInProcess(jobCtx, status.Job, tr, idx, cache, budget, log)
	}

	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = &converter.JobError{
			Kind: converter.KindScheduler,
			Err:  fmt.Errorf("job timed out after %s: %v", s.cfg.JobTimeout, err),
		}
	}
	s.finish(tr, idx, status, res, err, log)
}

// runJobInProcess executes one job on the calling goroutine. Panics are
// recovered here, at the job boundary, so a crashing conversion fails
// only its own job.
func (s *Scheduler) runJobInProcess(ctx context.Context, job Job, tr *tracker, idx int, cache *converter.TranscodeCache, budget *converter.MemoryBudget, log zerolog.Logger) (res *converter.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &converter.JobError{
				Kind: converter.KindScheduler,
				Err:  fmt.Errorf("job panicked: %v", rec),
			}
		}
	}()

	p := converter.NewPipeline(s.cfg.Options, s.renderer, cache, budget, log)
	p.OnStage = func(stage converter.Stage) {
		tr.set(idx, stageState(stage))
	}
	return p.Run(ctx, job.Input, job.OutputDir)
}

func (s *Scheduler) finish(tr *tracker, idx int, status *JobStatus, res *converter.Result, err error, log zerolog.Logger) {
	status.Result = res
	status.Err = err
	if err != nil {
		status.State = StateFailed
		log.Warn().Err(err).Msg("conversion failed")
	} else {
		status.State = StateDone
		if res != nil {
			log.Debug().
				Int("sections", res.Sections).
				Int("images", res.Images).
				Dur("duration", res.Duration).
				Msg("conversion done")
		}
	}
	tr.set(idx, status.State)
}
