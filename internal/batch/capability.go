package batch

import (
	"os"
	"runtime"
	"strings"
	"sync"
)

// WorkerModelEnv overrides the probed worker model. Accepted values are
// "process" and "goroutine".
const WorkerModelEnv = "EPUB_TO_HTML_WORKER_MODEL"

// Capability describes the concurrency the runtime offers. It is probed
// once per process, before scheduling begins, and passed into the
// scheduler as an immutable configuration value.
type Capability struct {
	Cores    int
	MaxProcs int
	Parallel bool   // goroutines execute CPU-bound work in parallel
	Source   string // "probe" or "env"
}

var (
	probeOnce sync.Once
	probed    Capability
)

// Probe inspects the runtime and environment once and reports the
// concurrency capability. Subsequent calls return the first result.
func Probe() Capability {
	probeOnce.Do(func() {
		probed = detect()
	})
	return probed
}

// detect performs the actual capability inspection. Goroutine workers
// are preferred whenever the scheduler can run them on more than one
// processor; the environment override forces either model.
func detect() Capability {
	c := Capability{
		Cores:    runtime.NumCPU(),
		MaxProcs: runtime.GOMAXPROCS(0),
		Parallel: runtime.GOMAXPROCS(0) > 1,
		Source:   "probe",
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(WorkerModelEnv))) {
	case "process":
		c.Parallel = false
		c.Source = "env"
	case "goroutine":
		c.Parallel = true
		c.Source = "env"
	}
	return c
}

// Workers resolves the worker count for a batch of jobs. A hint below 1
// derives the count from the core count. The result is capped at twice
// the core count and never exceeds the job count.
func (c Capability) Workers(hint, jobs int) int {
	w := hint
	if w < 1 {
		w = c.Cores
	}
	if w < 1 {
		w = 1
	}
	ceiling := 2 * c.Cores
	if ceiling < 1 {
		ceiling = 1
	}
	if w > ceiling {
		w = ceiling
	}
	if w > jobs {
		w = jobs
	}
	if w < 1 {
		w = 1
	}
	return w
}
