// Package consumer pulls jobs from the queue, applies schema migrations and
// per-project rate limits, and runs each job on the execution pool
package consumer
