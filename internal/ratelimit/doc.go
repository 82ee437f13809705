// Package ratelimit caps the number of concurrently running flow executions
// per project. The cap is shared by every worker through a redis sorted set
// that is only mutated by scripts
package ratelimit
