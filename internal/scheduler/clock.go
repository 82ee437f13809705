package scheduler

import "time"

type (
	// Clock reports the current time. Queues, limiters, and the scheduler
	// all take one so tests can pin time
	Clock func() time.Time

	// Timer is the resettable timer the scheduler loop waits on
	Timer interface {
		Channel() <-chan time.Time
		Reset(delay time.Duration) bool
		Stop() bool
	}

	// TimerConstructor builds a Timer that fires after delay
	TimerConstructor func(delay time.Duration) Timer

	wallTimer struct {
		*time.Timer
	}
)

// NewTimer builds a Timer backed by time.Timer
func NewTimer(delay time.Duration) Timer {
	return wallTimer{Timer: time.NewTimer(delay)}
}

func (t wallTimer) Channel() <-chan time.Time {
	return t.C
}
