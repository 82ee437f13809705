package consumer

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

const (
	flowStatusPaused = "PAUSED"
	pauseTypeDelay   = "DELAY"
)

// pausedDelay reports whether a flow response paused the run on a delay,
// and how long until it should resume. Runs paused for other reasons
// resume through their own callers
func pausedDelay(res json.RawMessage, now time.Time) (time.Duration, bool) {
	if gjson.GetBytes(res, "status").String() != flowStatusPaused {
		return 0, false
	}
	meta := gjson.GetBytes(res, "pauseMetadata")
	if meta.Get("type").String() != pauseTypeDelay {
		return 0, false
	}
	resume := meta.Get("resumeDateTime")
	if !resume.Exists() {
		return 0, true
	}
	at, err := time.Parse(time.RFC3339, resume.String())
	if err != nil {
		return 0, true
	}
	return max(at.Sub(now), 0), true
}
