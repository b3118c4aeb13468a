package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/debts_backend/batchimport"
	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type fileSummaries interface {
	Summary(ctx context.Context, id int) (*models.FileSummary, error)
}

type sweeper interface {
	SweepOnce(ctx context.Context) (workflow.SweepResult, error)
}

type batchImporter interface {
	ImportPath(ctx context.Context, source string) (*batchimport.Result, error)
}

// opsHandlers serves the /internal operator routes.
type opsHandlers struct {
	files    fileSummaries
	sweeper  sweeper
	requeuer jobRequeuer
	importer batchImporter
	logger   *logrus.Logger
}

func (h *opsHandlers) register(r gin.IRouter) {
	production := strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
	internal := r.Group("/internal", internalTokenGuard(os.Getenv("INTERNAL_API_TOKEN"), production))
	internal.GET("/files/:id", h.fileSummary)
	internal.POST("/files/import", h.importBatch)
	internal.POST("/reconcile", h.reconcile)
	internal.POST("/jobs/:id/requeue", h.requeueJob)
}

// internalTokenGuard requires X-Internal-Token when a token is configured. In production the
// routes stay closed until one is.
func internalTokenGuard(token string, production bool) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			if production {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "internal API disabled: INTERNAL_API_TOKEN is not set"})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type fileSummaryResponse struct {
	Id               int                            `json:"id"`
	OriginalFilename string                         `json:"original_filename"`
	TotalRows        int                            `json:"total_rows"`
	RowsCompleted    int                            `json:"rows_completed"`
	RowsFailed       int                            `json:"rows_failed"`
	RowsByStatus     map[models.FileRowStatus]int64 `json:"rows_by_status"`
	Finished         bool                           `json:"finished"`
}

func (h *opsHandlers) fileSummary(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	summary, err := h.files.Summary(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		config.LogError(h.logger, "handlers.go", "fileSummary", "Summary", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load file summary"})
		return
	}
	c.JSON(http.StatusOK, fileSummaryResponse{
		Id:               summary.ID,
		OriginalFilename: summary.OriginalFilename,
		TotalRows:        summary.TotalRows,
		RowsCompleted:    summary.RowsCompleted,
		RowsFailed:       summary.RowsFailed,
		RowsByStatus:     summary.RowsByStatus,
		Finished:         summary.Finished,
	})
}

type importRequest struct {
	Source string `json:"source" binding:"required"`
}

func (h *opsHandlers) importBatch(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
		return
	}
	res, err := h.importer.ImportPath(c.Request.Context(), strings.TrimSpace(req.Source))
	if err != nil {
		config.LogError(h.logger, "handlers.go", "importBatch", "ImportPath", req.Source, err)
		if errors.Is(err, batchimport.ErrLocalSourceNotAllowed) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if res != nil {
			// The batch exists but not every row was queued.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *opsHandlers) reconcile(c *gin.Context) {
	res, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		config.LogError(h.logger, "handlers.go", "reconcile", "SweepOnce", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *opsHandlers) requeueJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	rec, err := h.requeuer.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	case errors.Is(err, queue.ErrJobNotRequeueable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		config.LogError(h.logger, "handlers.go", "requeueJob", "Requeue", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not requeue job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       rec.ID,
		"job_type": rec.JobType,
		"status":   rec.Status,
		"run_at":   rec.RunAt,
	})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
