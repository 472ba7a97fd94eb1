package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// Canonical pipeline stage names, invoked in this order. The secondary
// export is the only stage whose failure does not abort the job.
const (
	StagePreprocess      = "preprocess"
	StageInfer           = "infer"
	StageRender          = "render"
	StageExportPrimary   = "export-obj"
	StageExportSecondary = "export-stl"
)

// Output artifact layout shared with the reconstruction backend.
const (
	RenderFrameCount  = 30
	PreviewImageCount = 8
)

type stageSpec struct {
	name     string
	label    string
	weight   int
	optional bool
}

// Stage weights partition the 0-100 progress range; the worker reports the
// cumulative weight of completed stages scaled into [5,100].
var stages = []stageSpec{
	{StagePreprocess, "image preprocessing", 20, false},
	{StageInfer, "scene code generation", 30, false},
	{StageRender, "multi-view rendering", 25, false},
	{StageExportPrimary, "mesh export", 15, false},
	{StageExportSecondary, "STL conversion", 10, true},
}

// PipelineJob identifies one reconstruction's working directories for the
// external backend.
type PipelineJob struct {
	ID         string
	InputDir   string
	OutputDir  string
	ImageCount int
}

// EmitFunc lets a pipeline stage report intermediate progress lines.
type EmitFunc func(message string, step, totalSteps *int)

// PipelineRunner is the external reconstruction collaborator. RunStage
// blocks for the stage's duration and honors ctx cancellation.
type PipelineRunner interface {
	RunStage(ctx context.Context, stage string, job PipelineJob, emit EmitFunc) error
}

// Notifier delivers job lifecycle events to configured webhook endpoints.
type Notifier interface {
	JobCompleted(jobID string, durationMs int64)
	JobFailed(jobID string, errMsg string)
}

// CompletedJob is the durable gallery index entry written when a job
// finishes, independent of the in-memory store.
type CompletedJob struct {
	ID         string
	CreatedAt  int64
	ImageCount int
	OBJSize    int64
	STLSize    int64
	VideoSize  int64
}

// ArtifactStore is the content-addressable file collaborator. Keys are
// names relative to a per-job directory.
type ArtifactStore interface {
	Put(jobID, name string, r io.Reader) (int64, error)
	Exists(jobID, name string) bool
	Size(jobID, name string) int64
	JobDir(jobID string) string
	DeleteJob(jobID string) error
	IndexCompleted(entry CompletedJob) error
	ListCompleted(limit, offset int) ([]CompletedJob, error)
}

// Worker drives one job through the pipeline state machine:
// queued -> processing -> completed|failed. Every exit path, including
// cancellation and panics, leaves the record terminal.
type Worker struct {
	store     *Store
	hub       *ProgressHub
	runner    PipelineRunner
	artifacts ArtifactStore
	notifier  Notifier
}

func NewWorker(store *Store, hub *ProgressHub, runner PipelineRunner, artifacts ArtifactStore, notifier Notifier) *Worker {
	return &Worker{
		store:     store,
		hub:       hub,
		runner:    runner,
		artifacts: artifacts,
		notifier:  notifier,
	}
}

// Run executes the job to a terminal state. It is launched on its own
// goroutine by the dispatcher and suspends only inside pipeline stages.
func (w *Worker) Run(ctx context.Context, job PipelineJob) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] job %s panicked: %v", job.ID, r)
			w.fail(job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := w.store.Update(job.ID, func(rec *JobRecord) {
		rec.Status = JobStatusProcessing
		rec.Progress = 5
		rec.Message = "Processing started"
	}); err != nil {
		// Deleted between dispatch and start; nothing to track.
		w.hub.Finish(job.ID)
		return
	}

	w.emit(job.ID, fmt.Sprintf("Starting 3D reconstruction for %d image(s)", job.ImageCount), nil, nil)

	completedWeight := 0
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			w.fail(job.ID, "job cancelled")
			return
		}

		w.emit(job.ID, fmt.Sprintf("Starting %s", stage.label), nil, nil)
		stageStart := time.Now()

		err := w.runner.RunStage(ctx, stage.name, job, func(msg string, step, total *int) {
			w.emit(job.ID, msg, step, total)
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				w.fail(job.ID, "job cancelled")
				return
			}
			stageErr := &StageError{Stage: stage.name, Optional: stage.optional, Err: err}
			if stage.optional {
				w.emit(job.ID, fmt.Sprintf("warning: %s failed, continuing without it: %v", stage.label, err), nil, nil)
				log.Printf("[worker] job %s: optional %v", job.ID, stageErr)
				continue
			}
			w.fail(job.ID, stageErr.Error())
			return
		}

		completedWeight += stage.weight
		progress := 5 + completedWeight*95/100
		w.emit(job.ID, fmt.Sprintf("Finished %s in %s", stage.label, time.Since(stageStart).Round(time.Millisecond)), nil, nil)
		if uerr := w.store.Update(job.ID, func(rec *JobRecord) {
			if progress > rec.Progress {
				rec.Progress = progress
			}
		}); uerr != nil {
			// Record deleted mid-flight; the dispatcher cancelled us too,
			// but don't keep burning stages either way.
			w.hub.Finish(job.ID)
			return
		}
	}

	w.complete(job, started)
}

// emit appends one event to the durable log and publishes the same event on
// the live channel. A deleted record turns both into no-ops.
func (w *Worker) emit(id, message string, step, total *int) {
	event := NewProgressEvent(message, step, total)
	if err := w.store.AppendLog(id, event); err != nil {
		return
	}
	w.hub.Publish(id, event)
}

func (w *Worker) complete(job PipelineJob, started time.Time) {
	result := w.buildResult(job)

	err := w.store.Update(job.ID, func(rec *JobRecord) {
		rec.Status = JobStatusCompleted
		rec.Progress = 100
		rec.Message = "3D model generated successfully"
		rec.Result = result
		rec.Error = ""
	})
	if err == nil {
		w.emit(job.ID, "All processing completed successfully", nil, nil)
	}
	w.hub.Finish(job.ID)

	if w.artifacts != nil {
		entry := CompletedJob{
			ID:         job.ID,
			CreatedAt:  time.Now().Unix(),
			ImageCount: job.ImageCount,
			OBJSize:    result.FileSizes.OBJ,
			STLSize:    result.FileSizes.STL,
			VideoSize:  result.FileSizes.Video,
		}
		if ierr := w.artifacts.IndexCompleted(entry); ierr != nil {
			log.Printf("[worker] job %s: index completed: %v", job.ID, ierr)
		}
	}
	if w.notifier != nil {
		w.notifier.JobCompleted(job.ID, time.Since(started).Milliseconds())
	}
}

// fail drives the record to the failed terminal state. Progress is frozen
// at its last written value.
func (w *Worker) fail(id, diagnostic string) {
	err := w.store.Update(id, func(rec *JobRecord) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = JobStatusFailed
		rec.Error = diagnostic
		rec.Message = "Error during processing: " + diagnostic
		rec.Result = nil
	})
	if err == nil {
		w.emit(id, "Error during processing: "+diagnostic, nil, nil)
	}
	w.hub.Finish(id)

	if w.notifier != nil {
		w.notifier.JobFailed(id, diagnostic)
	}
}

func (w *Worker) buildResult(job PipelineJob) *Result {
	download := func(name string) string {
		return "/api/download/" + job.ID + "/" + name
	}

	result := &Result{
		JobID:     job.ID,
		OBJFile:   download("mesh.obj"),
		VideoFile: download("render.mp4"),
		Timestamp: time.Now().Unix(),
	}

	if w.artifacts == nil {
		return result
	}

	result.FileSizes.OBJ = w.artifacts.Size(job.ID, "mesh.obj")
	result.FileSizes.Video = w.artifacts.Size(job.ID, "render.mp4")
	if w.artifacts.Exists(job.ID, "mesh.stl") {
		result.STLFile = download("mesh.stl")
		result.FileSizes.STL = w.artifacts.Size(job.ID, "mesh.stl")
	}

	for i := 0; i < RenderFrameCount; i++ {
		name := fmt.Sprintf("render_%03d.png", i)
		if w.artifacts.Exists(job.ID, name) {
			result.RenderFrames = append(result.RenderFrames, download(name))
		}
	}
	for i := 0; i < PreviewImageCount; i++ {
		name := fmt.Sprintf("preview_%d.png", i)
		if w.artifacts.Exists(job.ID, name) {
			result.PreviewImages = append(result.PreviewImages, download(name))
		}
	}
	for i := 0; i < job.ImageCount; i++ {
		name := fmt.Sprintf("input_%d.png", i)
		if w.artifacts.Exists(job.ID, name) {
			result.InputImages = append(result.InputImages, download(name))
		}
	}
	return result
}
