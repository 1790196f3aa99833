package batch

import (
	"sync"

	"github.com/isurajpanda/epub-to-html/internal/converter"
)

// Job is one unit of batch work: one input book converted into one
// output directory.
type Job struct {
	Input     string `json:"input"`
	OutputDir string `json:"output_dir"`
}

// State is a job's position in its lifecycle. Jobs move from queued
// through the pipeline stages into exactly one terminal state.
type State string

const (
	StateQueued      State = "queued"
	StateExtracting  State = "extracting"
	StateNormalizing State = "normalizing"
	StateImaging     State = "imaging"
	StateRendering   State = "rendering"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// stageState maps pipeline stages onto scheduler states.
func stageState(stage converter.Stage) State {
	switch stage {
	case converter.StageExtracting:
		return StateExtracting
	case converter.StageNormalizing:
		return StateNormalizing
	case converter.StageImaging:
		return StateImaging
	case converter.StageRendering:
		return StateRendering
	}
	return State(stage)
}

// JobStatus is the final record for one job.
type JobStatus struct {
	Job
	State  State
	Result *converter.Result
	Err    error
}

// Progress counts jobs per state at one instant. States with no jobs
// are absent from the map.
type Progress map[State]int

// Finished returns the number of jobs in a terminal state.
func (p Progress) Finished() int {
	return p[StateDone] + p[StateFailed]
}

// tracker holds the live state of every job in a run and publishes a
// snapshot after each transition. The callback runs under the tracker
// lock, so snapshots arrive in order; it must not call back into the
// scheduler.
type tracker struct {
	mu         sync.Mutex
	states     []State
	onProgress func(Progress)
}

func newTracker(n int, onProgress func(Progress)) *tracker {
	t := &tracker{
		states:     make([]State, n),
		onProgress: onProgress,
	}
	for i := range t.states {
		t.states[i] = StateQueued
	}
	return t
}

func (t *tracker) set(idx int, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[idx] = s
	if t.onProgress == nil {
		return
	}
	snap := make(Progress, len(t.states))
	for _, st := range t.states {
		snap[st]++
	}
	t.onProgress(snap)
}
