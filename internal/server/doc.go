// Package server exposes the worker over HTTP: health and metrics, the
// sandbox control channel, the execution generation, synchronous task
// execution, the job queue, and step state
package server
