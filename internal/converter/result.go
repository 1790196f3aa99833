package converter

import (
	"fmt"
	"time"
)

// Fatal error kinds. A fatal error stops the one job it occurred in and
// suppresses all output for that job.
const (
	KindContainer = "container"
	KindPackage   = "package"
	KindScheduler = "scheduler"
	KindRender    = "render"
)

// Warning kinds. Warnings are recorded on the job result in the order they
// occurred; the job continues.
const (
	WarnContainer          = "container"
	WarnSpineItem          = "spine_item"
	WarnResourceResolution = "resource_resolution"
	WarnImageTranscode     = "image_transcode"
	WarnTOCUnresolved      = "toc_unresolved"
)

// Warning records a recoverable defect encountered while converting.
type Warning struct {
	Kind   string
	Detail string
}

func (w Warning) String() string {
	return w.Kind + ": " + w.Detail
}

// JobError is a fatal per-job error with a classification kind.
type JobError struct {
	Kind string
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func jobError(kind string, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// Result summarizes one successfully converted EPUB.
type Result struct {
	Input    string
	Title    string
	Author   string
	Sections int
	Images   int
	Warnings []Warning
	Duration time.Duration
}
