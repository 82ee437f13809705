package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/argyll/worker/internal/queue"
	"github.com/kode4food/argyll/worker/pkg/api"
)

func (s *Server) handleQueueLength(c *gin.Context) {
	n, err := s.deps.Queue.Len(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.QueueLengthResponse{Waiting: n})
}

func (s *Server) enqueueJob(c *gin.Context) {
	var req api.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidRequest, err),
		)
		return
	}
	if req.Job.SchemaVersion == 0 {
		req.Job.SchemaVersion = api.LatestSchemaVersion
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	id, err := s.deps.Queue.Enqueue(c.Request.Context(), &req.Job, delay)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrInvalidJob) {
			status = http.StatusBadRequest
		}
		errorJSON(c, status, err)
		return
	}
	c.JSON(http.StatusAccepted, api.EnqueueResponse{ID: id})
}

func (s *Server) listFailedJobs(c *gin.Context) {
	failed, err := s.deps.Queue.Failed(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	if failed == nil {
		failed = []*queue.FailedJob{}
	}
	c.JSON(http.StatusOK, failed)
}

func (s *Server) getJobResult(c *gin.Context) {
	res, err := s.deps.Queue.Result(
		c.Request.Context(), api.JobID(c.Param("jobID")),
	)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNoResult) {
			status = http.StatusNotFound
		}
		errorJSON(c, status, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
