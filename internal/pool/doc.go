// Package pool implements the execution pool manager
//
// The manager owns a fixed number of worker slots, each of which may hold one
// sandbox process attached to the control channel. Tasks acquire a slot
// through a FIFO semaphore, are provisioned a fresh sandbox when the slot's
// sandbox is dead, disconnected, or stale, and always resolve to exactly one
// engine response or an orchestration error
package pool
