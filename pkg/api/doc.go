// Package api defines the shared data types of the sandboxed execution worker
//
// This package contains the operations sent to sandboxes, the engine responses
// they return, the control channel message envelope, queue jobs, consumption
// outcomes, and step output addressing
package api
