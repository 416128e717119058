package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/api/middleware"
	"github.com/orrn/printbot/internal/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type JobResponse struct {
	ID              int64          `json:"id"`
	SourceReference string         `json:"source_reference"`
	OriginalName    string         `json:"original_name"`
	Status          core.JobStatus `json:"status"`
	Settings        core.Settings  `json:"settings"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Duration        *int64         `json:"duration_ms,omitempty"`
}

type ListJobsQuery struct {
	Status          string `form:"status"`
	SourceReference string `form:"source_reference"`
	Limit           int    `form:"limit"`
	Offset          int    `form:"offset"`
}

type SubmitResponse struct {
	SourceReference string             `json:"source_reference"`
	Results         []core.BatchResult `json:"results"`
}

type JobHandler struct {
	intake         *core.Intake
	store          core.JobStore
	maxUploadBytes int64
}

func NewJobHandler(intake *core.Intake, store core.JobStore, maxUploadBytes int64) *JobHandler {
	return &JobHandler{intake: intake, store: store, maxUploadBytes: maxUploadBytes}
}

// CreateJobs accepts a multipart batch: one or more "file" parts, optional
// "instructions" text, an optional "settings" JSON array and a
// "source_reference".
func (h *JobHandler) CreateJobs(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form"})
		return
	}

	headers := form.File["file"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}

	batch := core.Batch{
		SourceReference: c.PostForm("source_reference"),
		Instructions:    c.PostForm("instructions"),
	}
	if batch.SourceReference == "" {
		batch.SourceReference = "api:" + c.ClientIP()
	}
	if raw := c.PostForm("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &batch.Settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid settings: %v", err)})
			return
		}
	}

	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to read %s", fh.Filename)})
			return
		}
		batch.Files = append(batch.Files, core.BatchFile{Name: fh.Filename, Data: data})
	}

	results, err := h.intake.SubmitBatch(c.Request.Context(), batch)
	resp := SubmitResponse{SourceReference: batch.SourceReference, Results: results}
	if err != nil {
		middleware.Logger(c).Error("batch rejected", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no file could be queued", "results": results})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := core.JobStatus(query.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", query.Status)})
		return
	}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}
	if query.Limit > maxListLimit {
		query.Limit = maxListLimit
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	jobs, err := h.store.List(c.Request.Context(), core.JobFilter{
		Status:          status,
		SourceReference: query.SourceReference,
		Limit:           query.Limit,
		Offset:          query.Offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, jobToResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   responses,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(responses),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) ReprintJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	newID, err := h.intake.Reprint(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":    "job reprinted",
		"new_job_id": newID,
	})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func jobToResponse(job *core.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		SourceReference: job.SourceReference,
		OriginalName:    job.OriginalName,
		Status:          job.Status,
		Settings:        job.Settings,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		ms := job.Duration().Milliseconds()
		resp.Duration = &ms
	}
	return resp
}

// writeError maps store and intake errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrMissingFile):
		c.JSON(http.StatusGone, gin.H{"error": "stored file is gone"})
	default:
		middleware.Logger(c).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/reprint", h.ReprintJob)
	r.GET("/queue", h.GetQueue)
}
