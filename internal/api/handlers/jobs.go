package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"triform/internal/core"
)

type JobHandler struct {
	store      *core.Store
	dispatcher *core.Dispatcher
}

func NewJobHandler(store *core.Store, dispatcher *core.Dispatcher) *JobHandler {
	return &JobHandler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// Upload admits a new reconstruction job from 1-5 multipart images and
// returns immediately; processing happens on the job's worker goroutine.
func (h *JobHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid multipart form"})
		return
	}

	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no images provided"})
		return
	}

	uploads := make([]core.Upload, 0, len(files))
	filenames := make([]string, 0, len(files))
	for _, fh := range files {
		fh := fh
		uploads = append(uploads, core.Upload{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
		filenames = append(filenames, fh.Filename)
	}

	jobID, err := h.dispatcher.Submit(uploads)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":         true,
		"job_id":          jobID,
		"status":          core.JobStatusQueued,
		"message":         "Job queued for processing",
		"image_count":     len(uploads),
		"filenames":       filenames,
		"progress_stream": "/api/progress/" + jobID,
	})
}

func (h *JobHandler) GetStatus(c *gin.Context) {
	job, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": job})
}

func (h *JobHandler) GetLogs(c *gin.Context) {
	job, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"job_id":    job.ID,
		"log_count": len(job.Logs),
		"logs":      job.Logs,
	})
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var status core.JobStatus
	if raw := c.Query("status"); raw != "" {
		status = core.JobStatus(raw)
		switch status {
		case core.JobStatusQueued, core.JobStatusProcessing, core.JobStatusCompleted, core.JobStatusFailed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid status: " + raw})
			return
		}
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid limit: " + raw})
			return
		}
		if v > 100 {
			v = 100
		}
		limit = v
	}

	jobs := h.store.List(status, limit)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(jobs),
		"jobs":    jobs,
	})
}

// DeleteJob cancels the job's worker when still running and removes all
// bookkeeping and artifacts. A second delete of the same id reports 404.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	if removed := h.dispatcher.Delete(c.Param("id")); !removed {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "job deleted successfully"})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/upload", h.Upload)
	r.GET("/status/:id", h.GetStatus)
	r.GET("/logs/:id", h.GetLogs)
	r.GET("/jobs", h.ListJobs)
	r.DELETE("/jobs/:id", h.DeleteJob)
}
