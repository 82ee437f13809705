package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/argyll/worker/internal/pool"
	"github.com/kode4food/argyll/worker/pkg/api"
)

var ErrInvalidRequest = errors.New("invalid request")

func (s *Server) handlePoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) handleGetGeneration(c *gin.Context) {
	c.JSON(http.StatusOK, api.GenerationResponse{
		Generation: s.deps.Pool.Generation().Current(),
	})
}

func (s *Server) handleBumpGeneration(c *gin.Context) {
	gen := s.deps.Pool.Generation().Bump()
	s.deps.Metrics.GenerationBumped()
	c.JSON(http.StatusOK, api.GenerationResponse{Generation: gen})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req api.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidRequest, err),
		)
		return
	}

	timeout := s.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	res, err := s.deps.Pool.ExecuteTask(
		c.Request.Context(), req.OperationType, req.Operation, timeout,
	)
	if err != nil {
		errorJSON(c, executeErrorStatus(err), err)
		return
	}
	c.JSON(res.Status.HTTPStatus(), res)
}

func executeErrorStatus(err error) int {
	switch {
	case errors.Is(err, api.ErrUnknownOperationType),
		errors.Is(err, api.ErrPlatformRequired),
		errors.Is(err, api.ErrFlowVersionRequired):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, pool.ErrProvisionFailed),
		errors.Is(err, pool.ErrSendFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
