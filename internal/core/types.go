package core

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further state transitions can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicateID  = errors.New("duplicate job id")
	ErrInvalidInput = errors.New("invalid input")
)

// LogEntry is one line of a job's durable progress history. The wire shape
// matches ProgressEvent so clients render both identically.
type LogEntry struct {
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Step       *int   `json:"step"`
	TotalSteps *int   `json:"total_steps"`
}

// ProgressEvent is the ephemeral live-delivery form of a LogEntry. Events
// may be dropped under backpressure; the record's logs are the durable copy.
type ProgressEvent struct {
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Step       *int   `json:"step"`
	TotalSteps *int   `json:"total_steps"`
}

func (e ProgressEvent) logEntry() LogEntry {
	return LogEntry{
		Message:    e.Message,
		Timestamp:  e.Timestamp,
		Step:       e.Step,
		TotalSteps: e.TotalSteps,
	}
}

// NewProgressEvent stamps a message with the wall-clock time in the
// HH:MM:SS form the streaming clients expect.
func NewProgressEvent(message string, step, totalSteps *int) ProgressEvent {
	return ProgressEvent{
		Message:    message,
		Timestamp:  time.Now().Format("15:04:05"),
		Step:       step,
		TotalSteps: totalSteps,
	}
}

// FileSizes holds byte counts of the principal output artifacts.
type FileSizes struct {
	OBJ   int64 `json:"obj"`
	STL   int64 `json:"stl"`
	Video int64 `json:"video"`
}

// Result references the output bundle of a completed job. STL fields may be
// empty when the secondary export stage failed; the job still completes.
type Result struct {
	JobID         string    `json:"job_id"`
	OBJFile       string    `json:"obj_file"`
	STLFile       string    `json:"stl_file,omitempty"`
	VideoFile     string    `json:"video_file"`
	PreviewImages []string  `json:"preview_images"`
	RenderFrames  []string  `json:"render_frames"`
	InputImages   []string  `json:"input_images"`
	FileSizes     FileSizes `json:"file_sizes"`
	Timestamp     int64     `json:"timestamp"`
}

// JobRecord is the tracked lifecycle of one submitted reconstruction.
// The JobStore exclusively owns all records; every mutation goes through
// Store.Update.
type JobRecord struct {
	ID         string     `json:"job_id"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Logs       []LogEntry `json:"logs"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ImageCount int        `json:"image_count"`
	Filenames  []string   `json:"filenames"`
}

func (j *JobRecord) clone() *JobRecord {
	c := *j
	c.Logs = make([]LogEntry, len(j.Logs))
	copy(c.Logs, j.Logs)
	c.Filenames = append([]string(nil), j.Filenames...)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

// StageError is a typed failure from the reconstruction pipeline. Optional
// stage failures degrade the result; mandatory ones fail the job.
type StageError struct {
	Stage    string
	Optional bool
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
