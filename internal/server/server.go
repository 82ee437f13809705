package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker"
	"github.com/kode4food/argyll/worker/internal/metrics"
	"github.com/kode4food/argyll/worker/internal/pool"
	"github.com/kode4food/argyll/worker/internal/queue"
	"github.com/kode4food/argyll/worker/internal/stepstate"
	"github.com/kode4food/argyll/worker/pkg/api"
)

type (
	// Pool is the execution pool surface served over HTTP
	Pool interface {
		ExecuteTask(
			ctx context.Context, t api.OperationType, op api.Operation,
			timeout time.Duration,
		) (*api.EngineResponse, error)
		Status() *api.PoolStatus
		Generation() *pool.Generation
	}

	// Queue is the job queue surface served over HTTP
	Queue interface {
		Enqueue(
			ctx context.Context, job *api.Job, delay time.Duration,
		) (api.JobID, error)
		Len(ctx context.Context) (int64, error)
		Failed(ctx context.Context) ([]*queue.FailedJob, error)
		Result(
			ctx context.Context, jobID api.JobID,
		) (*api.EngineResponse, error)
	}

	// StepState is the step state surface served over HTTP
	StepState interface {
		Save(ctx context.Context, req stepstate.SaveRequest) error
		Get(ctx context.Context, req stepstate.GetRequest) (json.RawMessage, error)
		Keys(ctx context.Context, runID api.RunID) ([]string, error)
		Forget(ctx context.Context, runID api.RunID) error
	}

	// Dependencies are the components the server exposes. Only Pool is
	// required; routes for missing components are not mounted
	Dependencies struct {
		Pool      Pool
		Channel   gin.HandlerFunc
		Queue     Queue
		StepState StepState
		Metrics   *metrics.Collector
		Redis     redis.Cmdable
	}

	// Server implements the worker's HTTP API
	Server struct {
		deps           Dependencies
		defaultTimeout time.Duration
	}
)

const healthCheckTimeout = 2 * time.Second

// NewServer creates the HTTP API server. defaultTimeout bounds synchronous
// executions that do not carry their own timeout
func NewServer(deps Dependencies, defaultTimeout time.Duration) *Server {
	return &Server{deps: deps, defaultTimeout: defaultTimeout}
}

// SetupRoutes configures and returns the HTTP router with all endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.deps.Channel != nil {
		router.GET("/worker/ws", s.deps.Channel)
	}

	eng := router.Group("/engine")
	{
		eng.GET("/pool", s.handlePoolStatus)
		eng.GET("/generation", s.handleGetGeneration)
		eng.POST("/generation", s.handleBumpGeneration)
		eng.POST("/execute", s.handleExecute)

		if s.deps.StepState != nil {
			eng.GET("/run/:runID/step", s.listStepKeys)
			eng.DELETE("/run/:runID/step", s.forgetRun)
			eng.GET("/run/:runID/step/:stepName", s.getStepOutput)
			eng.PUT("/run/:runID/step/:stepName", s.saveStepOutput)
		}
	}

	if s.deps.Queue != nil {
		q := router.Group("/queue")
		{
			q.GET("", s.handleQueueLength)
			q.POST("/job", s.enqueueJob)
			q.GET("/failed", s.listFailedJobs)
			q.GET("/job/:jobID/result", s.getJobResult)
		}
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	res := api.HealthResponse{
		Service: worker.Name,
		Version: worker.Version,
		Status:  api.HealthHealthy,
	}
	if s.deps.Redis != nil {
		ctx, cancel := context.WithTimeout(
			c.Request.Context(), healthCheckTimeout,
		)
		defer cancel()
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			res.Status = api.HealthUnhealthy
			res.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, res)
			return
		}
	}
	c.JSON(http.StatusOK, res)
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}
