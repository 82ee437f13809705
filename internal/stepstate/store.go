package stepstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/kode4food/argyll/worker/internal/scheduler"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
	"github.com/kode4food/argyll/worker/pkg/util"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

type (
	// Store is the step state store of one worker process
	Store struct {
		bucket *blob.Bucket
		rdb    redis.Cmdable
		sched  *scheduler.Scheduler
		cfg    Config

		mu      sync.Mutex
		pending map[api.RunID]util.Set[string]
		tracked util.Set[api.RunID]
		closed  bool
		flushes sync.WaitGroup
	}

	// Config controls key layout and flushing
	Config struct {
		Prefix        string
		FlushInterval time.Duration
		LockTTL       time.Duration
	}

	// SaveRequest identifies a step output to store
	SaveRequest struct {
		RunID    api.RunID
		Path     api.StepPath
		StepName string
		Output   json.RawMessage
	}

	// GetRequest identifies a step output to read
	GetRequest struct {
		RunID    api.RunID
		Path     api.StepPath
		StepName string
	}

	manifest struct {
		RunID     api.RunID `json:"runId"`
		Keys      []string  `json:"keys"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
)

const (
	DefaultFlushInterval = 15 * time.Second
	DefaultLockTTL       = 10 * time.Second

	flushRoot    = "flush"
	stepsDir     = "steps/"
	manifestsDir = "manifests/"
	flushTimeout = 30 * time.Second
	closeTimeout = 5 * time.Second
)

var (
	ErrStepOutputNotFound = errors.New("step output not found")
	ErrRunIDRequired      = errors.New("run id is required")
	ErrStepNameRequired   = errors.New("step name is required")
)

// Open opens the bucket at bucketURL and creates a Store on it
func Open(
	ctx context.Context, bucketURL string, rdb redis.Cmdable,
	sched *scheduler.Scheduler, cfg Config,
) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return New(bucket, rdb, sched, cfg), nil
}

// New creates a Store on an open bucket. The Store takes ownership of the
// bucket
func New(
	bucket *blob.Bucket, rdb redis.Cmdable, sched *scheduler.Scheduler,
	cfg Config,
) *Store {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Store{
		bucket:  bucket,
		rdb:     rdb,
		sched:   sched,
		cfg:     cfg,
		pending: map[api.RunID]util.Set[string]{},
		tracked: util.Set[api.RunID]{},
	}
}

// Save writes a step output. The first save for a run starts its periodic
// manifest flush
func (s *Store) Save(ctx context.Context, req SaveRequest) error {
	if err := validate(req.RunID, req.StepName); err != nil {
		return err
	}
	key := api.StepKey(req.RunID, req.Path, req.StepName)
	if err := s.bucket.WriteAll(ctx, stepsDir+key, req.Output, nil); err != nil {
		return err
	}

	s.mu.Lock()
	keys, ok := s.pending[req.RunID]
	if !ok {
		keys = util.Set[string]{}
		s.pending[req.RunID] = keys
	}
	keys.Add(key)
	start := !s.tracked.Contains(req.RunID)
	s.tracked.Add(req.RunID)
	s.mu.Unlock()

	if start {
		runID := req.RunID
		s.sched.ScheduleEvery(context.WithoutCancel(ctx), flushPath(runID),
			s.cfg.FlushInterval,
			s.background(runID, func(ctx context.Context) error {
				return s.Flush(ctx, runID)
			}),
		)
	}
	return nil
}

// Get reads a step output. A step that was never saved for the same run
// and loop position returns ErrStepOutputNotFound
func (s *Store) Get(ctx context.Context, req GetRequest) (json.RawMessage, error) {
	if err := validate(req.RunID, req.StepName); err != nil {
		return nil, err
	}
	key := api.StepKey(req.RunID, req.Path, req.StepName)
	data, err := s.bucket.ReadAll(ctx, stepsDir+key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrStepOutputNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// Flush merges the keys written since the last flush into the run's
// manifest. When another worker holds the run's lock the keys stay pending
// for the next flush
func (s *Store) Flush(ctx context.Context, runID api.RunID) error {
	s.mu.Lock()
	keys := s.pending[runID]
	delete(s.pending, runID)
	s.mu.Unlock()
	if keys.IsEmpty() {
		return nil
	}

	l, err := tryLock(ctx, s.rdb, s.lockKey(runID), s.cfg.LockTTL)
	if err != nil || l == nil {
		s.restore(runID, keys)
		if err == nil {
			slog.Debug("Step state flush deferred, lock held",
				log.RunID(runID))
		}
		return err
	}
	defer func() {
		if err := l.release(ctx); err != nil {
			slog.Warn("Failed to release step state lock",
				log.RunID(runID),
				log.Error(err))
		}
	}()

	m, err := s.readManifest(ctx, runID)
	if err != nil {
		s.restore(runID, keys)
		return err
	}
	keys.Merge(util.SetOf(m.Keys...))
	m.Keys = util.Sorted(keys)
	m.UpdatedAt = time.Now()

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, manifestKey(runID), data, nil); err != nil {
		s.restore(runID, keys)
		return err
	}
	slog.Debug("Step state flushed",
		log.RunID(runID),
		slog.Int("keys", len(m.Keys)))
	return nil
}

// Forget flushes the run a final time and stops its periodic flush. Keys
// that flush could not record, because another worker held the run's lock
// or the write failed, get one more attempt after FlushInterval and are
// then dropped
func (s *Store) Forget(ctx context.Context, runID api.RunID) error {
	s.sched.Cancel(ctx, flushPath(runID))
	err := s.Flush(ctx, runID)

	s.mu.Lock()
	s.tracked.Remove(runID)
	left := s.pending[runID]
	delete(s.pending, runID)
	s.mu.Unlock()

	if !left.IsEmpty() {
		s.sched.Schedule(context.WithoutCancel(ctx), finalFlushPath(runID),
			time.Now().Add(s.cfg.FlushInterval),
			s.background(runID, func(ctx context.Context) error {
				return s.finalFlush(ctx, runID, left)
			}),
		)
	}
	return err
}

// Keys returns every step key recorded for the run, including keys that
// have not been flushed yet
func (s *Store) Keys(ctx context.Context, runID api.RunID) ([]string, error) {
	m, err := s.readManifest(ctx, runID)
	if err != nil {
		return nil, err
	}
	keys := util.SetOf(m.Keys...)
	s.mu.Lock()
	keys.Merge(s.pending[runID])
	s.mu.Unlock()
	return util.Sorted(keys), nil
}

// Close stops every flush timer, waits for flushes in progress, and
// releases the bucket. Keys not yet flushed are not written
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	s.sched.CancelPrefix(ctx, []string{flushRoot})
	s.flushes.Wait()
	return s.bucket.Close()
}

// background returns a scheduler task that runs fn on its own goroutine,
// so that slow bucket or redis calls never hold up the scheduler loop
func (s *Store) background(
	runID api.RunID, fn func(context.Context) error,
) scheduler.TaskFunc {
	return func() error {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		s.flushes.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.flushes.Done()
			ctx, cancel := context.WithTimeout(
				context.Background(), flushTimeout,
			)
			defer cancel()
			if err := fn(ctx); err != nil {
				slog.Error("Step state flush failed",
					log.RunID(runID),
					log.Error(err))
			}
		}()
		return nil
	}
}

func (s *Store) finalFlush(
	ctx context.Context, runID api.RunID, keys util.Set[string],
) error {
	s.restore(runID, keys)
	err := s.Flush(ctx, runID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracked.Contains(runID) {
		delete(s.pending, runID)
	}
	return err
}

func (s *Store) readManifest(
	ctx context.Context, runID api.RunID,
) (*manifest, error) {
	data, err := s.bucket.ReadAll(ctx, manifestKey(runID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return &manifest{RunID: runID}, nil
		}
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) restore(runID api.RunID, keys util.Set[string]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[runID]; ok {
		cur.Merge(keys)
		return
	}
	s.pending[runID] = keys
}

func (s *Store) lockKey(runID api.RunID) string {
	return s.cfg.Prefix + ":stepstate:lock:" + string(runID)
}

func manifestKey(runID api.RunID) string {
	return manifestsDir + string(runID) + ".json"
}

func flushPath(runID api.RunID) []string {
	return []string{flushRoot, string(runID)}
}

func finalFlushPath(runID api.RunID) []string {
	return []string{flushRoot, string(runID), "final"}
}

func validate(runID api.RunID, stepName string) error {
	if runID == "" {
		return ErrRunIDRequired
	}
	if stepName == "" {
		return ErrStepNameRequired
	}
	return nil
}
