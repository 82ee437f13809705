package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/argyll/worker/internal/stepstate"
	"github.com/kode4food/argyll/worker/pkg/api"
)

// queryParamLoop carries one loop position as name:iteration, repeated
// outermost first
const queryParamLoop = "loop"

func (s *Server) getStepOutput(c *gin.Context) {
	path, err := stepPath(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	out, err := s.deps.StepState.Get(c.Request.Context(), stepstate.GetRequest{
		RunID:    api.RunID(c.Param("runID")),
		Path:     path,
		StepName: c.Param("stepName"),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stepstate.ErrStepOutputNotFound) {
			status = http.StatusNotFound
		}
		errorJSON(c, status, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (s *Server) saveStepOutput(c *gin.Context) {
	path, err := stepPath(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	err = s.deps.StepState.Save(c.Request.Context(), stepstate.SaveRequest{
		RunID:    api.RunID(c.Param("runID")),
		Path:     path,
		StepName: c.Param("stepName"),
		Output:   body,
	})
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listStepKeys(c *gin.Context) {
	keys, err := s.deps.StepState.Keys(
		c.Request.Context(), api.RunID(c.Param("runID")),
	)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.StepKeysResponse{
		RunID: api.RunID(c.Param("runID")),
		Keys:  keys,
	})
}

func (s *Server) forgetRun(c *gin.Context) {
	err := s.deps.StepState.Forget(
		c.Request.Context(), api.RunID(c.Param("runID")),
	)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func stepPath(c *gin.Context) (api.StepPath, error) {
	var path api.StepPath
	for _, seg := range c.QueryArray(queryParamLoop) {
		pos, err := api.ParseLoopPosition(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		path = path.Loop(pos.LoopName, pos.Iteration)
	}
	return path, nil
}
