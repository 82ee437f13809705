package api

import "time"

type (
	// Outcome is the closed set of results of consuming one job
	Outcome interface {
		outcome()
	}

	// Completed means the job finished and may be removed from the queue
	Completed struct {
		Response *EngineResponse
	}

	// Deferred means the job should run again after Delay. BumpPriority is
	// set when the deferral came from rate limiting
	Deferred struct {
		Delay        time.Duration
		BumpPriority bool
		Reason       DeferReason
	}

	// Failed means the job hit an unrecoverable error and should go through
	// the queue's standard retry and backoff
	Failed struct {
		Err error
	}

	// DeferReason explains why a job was deferred
	DeferReason string
)

const (
	DeferRateLimited DeferReason = "rate_limited"
	DeferPaused      DeferReason = "paused"
)

func (Completed) outcome() {}
func (Deferred) outcome()  {}
func (Failed) outcome()    {}
