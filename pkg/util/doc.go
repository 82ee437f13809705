// Package util provides small generic data structures shared by the worker
//
// This package includes a generic set and a hierarchical path index used to
// key scheduled tasks and tracked step outputs
package util
