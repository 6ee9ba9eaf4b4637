// Package handlers implements spec.md §6's job submission API, grounded
// on the teacher's internal/httpapi/handlers/chat.go conventions: the
// ok(c, data)/fail(c, status, code, msg) envelope and one method per
// route on a Handler struct holding its collaborators.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/jobcore/cancel"
	"github.com/cncaiprojem/jobcore/internal/jobcore/dispatch"
	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

// Handler wires the HTTP surface to the dispatcher, job store, and
// cancellation service.
type Handler struct {
	Store    *jobstore.Store
	Dispatch *dispatch.Dispatcher
	Cancel   *cancel.Service
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(store *jobstore.Store, disp *dispatch.Dispatcher, cancelSvc *cancel.Service) *Handler {
	return &Handler{Store: store, Dispatch: disp, Cancel: cancelSvc}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func tenantIDFromRequest(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-Tenant-Id"))
}

// Ping answers a bare liveness check.
func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"status": "ok"})
}

type submitJobRequest struct {
	Class    string         `json:"class" binding:"required"`
	Priority string         `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

// SubmitJob implements POST /jobs.
func (h *Handler) SubmitJob(c *gin.Context) {
	tenantID := tenantIDFromRequest(c)
	if tenantID == "" {
		fail(c, http.StatusBadRequest, 10001, "missing X-Tenant-Id header")
		return
	}

	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10002, "invalid json")
		return
	}

	id, err := h.Dispatch.Submit(c.Request.Context(), dispatch.Input{
		TenantID: tenantID,
		Class:    req.Class,
		Priority: req.Priority,
		Payload:  jobstore.JSONMap(req.Payload),
	})
	if err != nil {
		fail(c, http.StatusBadRequest, 10003, err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "accepted",
		"data":    gin.H{"job_id": id},
	})
}

// GetJob implements GET /jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	id := c.Param("id")
	job, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, job)
}

// CancelJob implements POST /jobs/:id/cancel.
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if err := h.Cancel.Request(c.Request.Context(), id, "requested via api"); err != nil {
		fail(c, http.StatusInternalServerError, 50002, "internal error")
		return
	}
	ok(c, gin.H{"job_id": id, "cancel_requested": true})
}

// GetJobProgress implements GET /jobs/:id/progress.
func (h *Handler) GetJobProgress(c *gin.Context) {
	id := c.Param("id")
	job, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": job.Progress,
		"step":     job.Step,
		"message":  job.Message,
	})
}
