// Package stepstate persists intermediate step outputs so that paused and
// resumed runs can read what earlier steps produced. Outputs are written
// through to a blob bucket, and each run's manifest of written keys is
// flushed periodically under a distributed lock
package stepstate
