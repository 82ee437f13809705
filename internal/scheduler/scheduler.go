package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Scheduler runs delayed and periodic tasks keyed by path. Scheduling a
	// path that already has a task replaces it
	Scheduler struct {
		now       Clock
		makeTimer TimerConstructor
		reqs      chan taskReq
	}

	// TaskFunc is called when its run time arrives
	TaskFunc func() error

	taskReqOp uint8

	taskReq struct {
		op   taskReqOp
		task *Task
		path []string
	}
)

const (
	taskReqSchedule taskReqOp = iota
	taskReqCancel
	taskReqCancelPrefix
)

const requestBuffer = 100

// New creates a scheduler using the provided clock and timer constructor
func New(now Clock, makeTimer TimerConstructor) *Scheduler {
	return &Scheduler{
		now:       now,
		makeTimer: makeTimer,
		reqs:      make(chan taskReq, requestBuffer),
	}
}

// NewSystem creates a scheduler backed by the wall clock
func NewSystem() *Scheduler {
	return New(time.Now, NewTimer)
}

// Schedule enqueues a task to run once at the requested time
func (s *Scheduler) Schedule(
	ctx context.Context, path []string, at time.Time, fn TaskFunc,
) {
	s.send(ctx, taskReq{
		op:   taskReqSchedule,
		task: &Task{Func: fn, At: at, Path: path},
	})
}

// ScheduleEvery enqueues a task that first runs one interval from now and
// then repeats at that interval until cancelled
func (s *Scheduler) ScheduleEvery(
	ctx context.Context, path []string, every time.Duration, fn TaskFunc,
) {
	if every <= 0 {
		return
	}
	s.send(ctx, taskReq{
		op: taskReqSchedule,
		task: &Task{
			Func: fn, At: s.now().Add(every), Every: every, Path: path,
		},
	})
}

// Cancel removes the task registered for the exact path
func (s *Scheduler) Cancel(ctx context.Context, path []string) {
	s.send(ctx, taskReq{op: taskReqCancel, path: path})
}

// CancelPrefix removes all tasks under the provided path prefix
func (s *Scheduler) CancelPrefix(ctx context.Context, prefix []string) {
	s.send(ctx, taskReq{op: taskReqCancelPrefix, path: prefix})
}

// Run processes scheduler requests until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	timer := s.makeTimer(0)
	var timerCh <-chan time.Time
	tasks := NewTaskHeap()

	resetTimer := func() {
		t := tasks.Peek()
		if t == nil {
			timer.Stop()
			timerCh = nil
			return
		}
		timer.Reset(t.At.Sub(s.now()))
		timerCh = timer.Channel()
	}

	resetTimer()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req := <-s.reqs:
			switch req.op {
			case taskReqSchedule:
				tasks.Insert(req.task)
			case taskReqCancel:
				tasks.Cancel(req.path)
			case taskReqCancelPrefix:
				tasks.CancelPrefix(req.path)
			}
			resetTimer()
		case <-timerCh:
			task := tasks.PopTask()
			if task == nil {
				resetTimer()
				continue
			}
			if err := task.Func(); err != nil {
				slog.Error("Scheduled task failed",
					slog.String("path", strings.Join(task.Path, "/")),
					log.Error(err))
			}
			if task.Every > 0 {
				task.At = s.now().Add(task.Every)
				tasks.Insert(task)
			}
			resetTimer()
		}
	}
}

func (s *Scheduler) send(ctx context.Context, req taskReq) {
	select {
	case s.reqs <- req:
	case <-ctx.Done():
	}
}
