package pool

import (
	"strings"
	"syscall"

	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/pkg/api"
)

type crashReport struct {
	Message string `json:"message"`
	Exit    string `json:"exit"`
	Stderr  string `json:"stderr,omitempty"`
}

const (
	exitCodeAbort  = 134
	exitCodeKilled = 137
	maxReportTail  = 2048
)

var oomMarkers = []string{
	"JavaScript heap out of memory",
	"fatal error: runtime: out of memory",
	"Allocation failed",
}

// ClassifyExit maps an unexpected sandbox exit to a terminal status. Memory
// exhaustion shows up as an OOM marker on stderr, a SIGKILL or SIGABRT, or
// the equivalent shell exit codes. Anything else is an internal error
func ClassifyExit(status process.ExitStatus, stderr string) api.EngineStatus {
	for _, marker := range oomMarkers {
		if strings.Contains(stderr, marker) {
			return api.StatusMemoryIssue
		}
	}
	if status.Signaled &&
		(status.Signal == syscall.SIGKILL || status.Signal == syscall.SIGABRT) {
		return api.StatusMemoryIssue
	}
	if status.Code == exitCodeAbort || status.Code == exitCodeKilled {
		return api.StatusMemoryIssue
	}
	return api.StatusInternalError
}

func crashResponse(p process.Process) *api.EngineResponse {
	status := p.ExitStatus()
	stderr := p.StderrTail()
	res := ClassifyExit(status, stderr)

	msg := "sandbox exited unexpectedly"
	if res == api.StatusMemoryIssue {
		msg = "sandbox ran out of memory"
	}
	if len(stderr) > maxReportTail {
		stderr = stderr[len(stderr)-maxReportTail:]
	}
	return api.NewEngineResponse(res, &crashReport{
		Message: msg,
		Exit:    status.String(),
		Stderr:  stderr,
	})
}
