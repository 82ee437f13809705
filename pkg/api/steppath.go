package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type (
	// LoopPosition locates one level of loop nesting
	LoopPosition struct {
		LoopName  string `json:"loopName"`
		Iteration int    `json:"iteration"`
	}

	// StepPath is the ordered loop nesting of a step, outermost first
	StepPath []LoopPosition
)

var ErrInvalidLoopPosition = errors.New("invalid loop position")

// ParseLoopPosition parses a loop position written as loopName:iteration
func ParseLoopPosition(s string) (LoopPosition, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 {
		return LoopPosition{}, fmt.Errorf("%w: %q", ErrInvalidLoopPosition, s)
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil || n < 0 {
		return LoopPosition{}, fmt.Errorf("%w: %q", ErrInvalidLoopPosition, s)
	}
	return LoopPosition{LoopName: s[:idx], Iteration: n}, nil
}

// Loop appends one level of nesting and returns the extended path
func (p StepPath) Loop(name string, iteration int) StepPath {
	res := make(StepPath, len(p), len(p)+1)
	copy(res, p)
	return append(res, LoopPosition{LoopName: name, Iteration: iteration})
}

// StepKey derives the storage key of a step output. Loop segments are
// written as loopName:iteration, joined in order, followed by the step name
// and run id
func StepKey(runID RunID, path StepPath, stepName string) string {
	var sb strings.Builder
	for _, pos := range path {
		sb.WriteString(pos.LoopName)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(pos.Iteration))
		sb.WriteByte('-')
	}
	sb.WriteString(stepName)
	sb.WriteByte('-')
	sb.WriteString(string(runID))
	return sb.String()
}
