package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"triform/internal/artifact"
	"triform/internal/core"
)

const serverVersion = "1.0.0"

// GalleryHandler serves artifact downloads and reconstructs the gallery of
// completed jobs from durable storage, independent of the in-memory job
// store.
type GalleryHandler struct {
	artifacts *artifact.Store
	store     *core.Store
	backend   string
}

func NewGalleryHandler(artifacts *artifact.Store, store *core.Store, backend string) *GalleryHandler {
	return &GalleryHandler{
		artifacts: artifacts,
		store:     store,
		backend:   backend,
	}
}

func (h *GalleryHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "triform API is running",
		"backend": h.backend,
		"version": serverVersion,
	})
}

// Download streams one artifact of a job. Traversal outside the job
// directory is rejected by the artifact store.
func (h *GalleryHandler) Download(c *gin.Context) {
	id := c.Param("id")
	name := strings.TrimPrefix(c.Param("filepath"), "/")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing file name"})
		return
	}

	f, err := h.artifacts.Open(id, name)
	if err != nil {
		if errors.Is(err, artifact.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid file name"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "file not found"})
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := filepath.Ext(name); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to read file"})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	io.Copy(c.Writer, f)
}

// Preview returns the job's preview frames base64-encoded for clients that
// want inline thumbnails without extra round trips.
func (h *GalleryHandler) Preview(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.artifacts.GetCompleted(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
		return
	}

	previews := make([]gin.H, 0, core.PreviewImageCount)
	for i := 0; i < core.PreviewImageCount; i++ {
		name := fmt.Sprintf("preview_%d.png", i)
		f, err := h.artifacts.Open(id, name)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		previews = append(previews, gin.H{
			"index": i,
			"data":  "data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "previews": previews})
}

// Renders lists the rendered turntable frames of a completed job.
func (h *GalleryHandler) Renders(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.artifacts.GetCompleted(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
		return
	}

	frames := make([]gin.H, 0, core.RenderFrameCount)
	for i := 0; i < core.RenderFrameCount; i++ {
		name := fmt.Sprintf("render_%03d.png", i)
		if !h.artifacts.Exists(id, name) {
			continue
		}
		frames = append(frames, gin.H{
			"index": i,
			"url":   downloadURL(id, name),
			"size":  h.artifacts.Size(id, name),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"job_id":       id,
		"total_frames": len(frames),
		"frames":       frames,
	})
}

// Gallery lists completed reconstructions newest-first from the durable
// index, so historical jobs remain browsable across restarts.
func (h *GalleryHandler) Gallery(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), 50)
	offset := parseIntDefault(c.Query("offset"), 0)

	entries, err := h.artifacts.ListCompleted(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to list gallery"})
		return
	}
	total, err := h.artifacts.CountCompleted()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to count gallery"})
		return
	}

	items := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		items = append(items, h.galleryItem(entry))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"count":   len(items),
		"items":   items,
	})
}

// GalleryItem returns the full detail of one completed reconstruction,
// including per-file sizes and any logs still held in memory.
func (h *GalleryHandler) GalleryItem(c *gin.Context) {
	id := c.Param("id")
	entry, err := h.artifacts.GetCompleted(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "gallery item not found"})
		return
	}

	inputs := make([]gin.H, 0, entry.ImageCount)
	for i := 0; i < entry.ImageCount; i++ {
		name := fmt.Sprintf("input_%d.png", i)
		if !h.artifacts.Exists(id, name) {
			continue
		}
		inputs = append(inputs, gin.H{"index": i, "url": downloadURL(id, name), "size": h.artifacts.Size(id, name)})
	}

	previews := make([]gin.H, 0, core.PreviewImageCount)
	for i := 0; i < core.PreviewImageCount; i++ {
		name := fmt.Sprintf("preview_%d.png", i)
		if !h.artifacts.Exists(id, name) {
			continue
		}
		previews = append(previews, gin.H{"index": i, "url": downloadURL(id, name), "size": h.artifacts.Size(id, name)})
	}

	frames := make([]gin.H, 0, core.RenderFrameCount)
	for i := 0; i < core.RenderFrameCount; i++ {
		name := fmt.Sprintf("render_%03d.png", i)
		if !h.artifacts.Exists(id, name) {
			continue
		}
		frames = append(frames, gin.H{"index": i, "url": downloadURL(id, name), "size": h.artifacts.Size(id, name)})
	}

	var logs []core.LogEntry
	if job, err := h.store.Get(id); err == nil {
		logs = job.Logs
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"job_id":      entry.ID,
			"created_at":  entry.CreatedAt,
			"image_count": entry.ImageCount,
			"files": gin.H{
				"obj": gin.H{
					"url":    downloadURL(id, "mesh.obj"),
					"size":   entry.OBJSize,
					"exists": h.artifacts.Exists(id, "mesh.obj"),
				},
				"stl": gin.H{
					"url":    downloadURL(id, "mesh.stl"),
					"size":   entry.STLSize,
					"exists": h.artifacts.Exists(id, "mesh.stl"),
				},
				"video": gin.H{
					"url":    downloadURL(id, "render.mp4"),
					"size":   entry.VideoSize,
					"exists": h.artifacts.Exists(id, "render.mp4"),
				},
			},
			"input_images":   inputs,
			"preview_images": previews,
			"render_frames":  frames,
			"logs":           logs,
		},
	})
}

func (h *GalleryHandler) galleryItem(entry core.CompletedJob) gin.H {
	var thumbnail interface{}
	if h.artifacts.Exists(entry.ID, "preview_0.png") {
		thumbnail = downloadURL(entry.ID, "preview_0.png")
	}

	item := gin.H{
		"job_id":      entry.ID,
		"thumbnail":   thumbnail,
		"video_url":   downloadURL(entry.ID, "render.mp4"),
		"obj_url":     downloadURL(entry.ID, "mesh.obj"),
		"created_at":  entry.CreatedAt,
		"image_count": entry.ImageCount,
		"status":      core.JobStatusCompleted,
		"file_sizes": gin.H{
			"obj":   entry.OBJSize,
			"stl":   entry.STLSize,
			"video": entry.VideoSize,
		},
	}
	if entry.STLSize > 0 {
		item["stl_url"] = downloadURL(entry.ID, "mesh.stl")
	}
	return item
}

func downloadURL(jobID, name string) string {
	return "/api/download/" + jobID + "/" + name
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (h *GalleryHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.Health)
	r.GET("/download/:id/*filepath", h.Download)
	r.GET("/preview/:id", h.Preview)
	r.GET("/renders/:id", h.Renders)
	r.GET("/gallery", h.Gallery)
	r.GET("/gallery/:id", h.GalleryItem)
}
