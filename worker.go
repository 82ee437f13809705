// Package worker is the sandboxed execution core of the Argyll automation
// worker. The binaries live under cmd/ and the components under internal/
package worker

const (
	// Name identifies the worker in logs and health responses
	Name = "argyll-worker"

	// Version is the worker release version
	Version = "0.1.0"
)
