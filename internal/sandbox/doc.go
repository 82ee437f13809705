// Package sandbox implements the sandbox end of the control channel
//
// A sandbox process dials the worker, receives operations, runs each one
// through an Executor, and streams output, progress, and exactly one engine
// response back for every operation
package sandbox
