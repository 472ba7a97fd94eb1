package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Upload is one submitted input image, decoupled from the HTTP multipart
// types so admission can be tested without a request.
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// AdmissionConfig bounds what a submission may contain. Violations are
// rejected before any job state exists.
type AdmissionConfig struct {
	MinImages      int
	MaxImages      int
	MaxUploadBytes int64
	AllowedTypes   map[string]bool
}

func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MinImages:      1,
		MaxImages:      5,
		MaxUploadBytes: 16 << 20,
		AllowedTypes: map[string]bool{
			"png":  true,
			"jpg":  true,
			"jpeg": true,
			"gif":  true,
			"webp": true,
		},
	}
}

// Dispatcher admits new jobs: it validates inputs, allocates the record and
// progress channel, persists the raw uploads and launches the worker. It
// also tracks per-job cancel funcs so deletion can stop a running worker.
type Dispatcher struct {
	store     *Store
	hub       *ProgressHub
	worker    *Worker
	artifacts ArtifactStore
	admission AdmissionConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewDispatcher(store *Store, hub *ProgressHub, worker *Worker, artifacts ArtifactStore, admission AdmissionConfig) *Dispatcher {
	if admission.MaxImages <= 0 {
		admission = DefaultAdmissionConfig()
	}
	return &Dispatcher{
		store:     store,
		hub:       hub,
		worker:    worker,
		artifacts: artifacts,
		admission: admission,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit validates and admits a job, returning its id without waiting for
// any processing. Admission failures report ErrInvalidInput and leave no
// state behind.
func (d *Dispatcher) Submit(uploads []Upload) (string, error) {
	if err := d.validate(uploads); err != nil {
		return "", err
	}

	id := uuid.NewString()
	filenames := make([]string, len(uploads))
	for i, u := range uploads {
		filenames[i] = path.Base(u.Filename)
	}

	if _, err := d.store.Create(id, len(uploads), filenames); err != nil {
		return "", err
	}
	d.hub.Open(id)

	if err := d.saveUploads(id, uploads); err != nil {
		// Roll back: admission promises no partial allocation.
		d.store.Delete(id)
		d.hub.Remove(id)
		if d.artifacts != nil {
			if derr := d.artifacts.DeleteJob(id); derr != nil {
				log.Printf("[dispatcher] cleanup job %s: %v", id, derr)
			}
		}
		return "", fmt.Errorf("store uploads: %w", err)
	}

	for _, name := range filenames {
		event := NewProgressEvent("File uploaded: "+name, nil, nil)
		d.store.AppendLog(id, event)
		d.hub.Publish(id, event)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()

	job := PipelineJob{
		ID:         id,
		InputDir:   filepath.Join(d.artifacts.JobDir(id), "uploads"),
		OutputDir:  d.artifacts.JobDir(id),
		ImageCount: len(uploads),
	}
	go func() {
		defer d.release(id)
		d.worker.Run(ctx, job)
	}()

	return id, nil
}

// Delete cancels the job's worker if still running, removes the record and
// progress channel and discards stored artifacts. Returns false when the id
// is unknown; repeating a deletion is safe.
func (d *Dispatcher) Delete(id string) bool {
	d.mu.Lock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
	}
	d.mu.Unlock()

	removed := d.store.Delete(id)
	d.hub.Remove(id)

	if d.artifacts != nil {
		if err := d.artifacts.DeleteJob(id); err != nil {
			log.Printf("[dispatcher] delete artifacts for job %s: %v", id, err)
		}
	}
	return removed
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
		delete(d.cancels, id)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) validate(uploads []Upload) error {
	if len(uploads) < d.admission.MinImages {
		return fmt.Errorf("%w: no images provided", ErrInvalidInput)
	}
	if len(uploads) > d.admission.MaxImages {
		return fmt.Errorf("%w: maximum %d images allowed", ErrInvalidInput, d.admission.MaxImages)
	}

	var total int64
	for _, u := range uploads {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(u.Filename)), ".")
		if ext == "" || !d.admission.AllowedTypes[ext] {
			return fmt.Errorf("%w: invalid file type: %s", ErrInvalidInput, u.Filename)
		}
		total += u.Size
	}
	if d.admission.MaxUploadBytes > 0 && total > d.admission.MaxUploadBytes {
		return fmt.Errorf("%w: total upload size %d exceeds limit of %d bytes",
			ErrInvalidInput, total, d.admission.MaxUploadBytes)
	}
	return nil
}

func (d *Dispatcher) saveUploads(id string, uploads []Upload) error {
	for i, u := range uploads {
		ext := strings.ToLower(filepath.Ext(u.Filename))
		if ext == "" {
			ext = ".png"
		}
		src, err := u.Open()
		if err != nil {
			return fmt.Errorf("open upload %d: %w", i, err)
		}
		name := fmt.Sprintf("uploads/input_%d%s", i, ext)
		_, err = d.artifacts.Put(id, name, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("save upload %d: %w", i, err)
		}
	}
	return nil
}
