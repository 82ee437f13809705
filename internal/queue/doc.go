// Package queue is a durable redis job queue with delayed delivery,
// priorities, leases for in-flight jobs, bounded retries, and a retained
// record of failed jobs. Engine responses of completed jobs are published
// on a per-job channel and kept for a while after completion
package queue
