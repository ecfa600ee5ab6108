package errdefs

import (
	"fmt"
	"strings"
)

// BatchFailure records why one item of a batch operation was not applied.
type BatchFailure struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult summarises a batch operation where each item succeeds or fails independently.
type BatchResult struct {
	Succeeded []int64        `json:"succeeded"`
	Failures  []BatchFailure `json:"failures"`
}

// NewBatchResult returns an empty result whose lists encode as [] rather than null.
func NewBatchResult() *BatchResult {
	return &BatchResult{Succeeded: []int64{}, Failures: []BatchFailure{}}
}

func (b *BatchResult) Ok(id int64) {
	b.Succeeded = append(b.Succeeded, id)
}

func (b *BatchResult) Fail(id int64, reason string) {
	b.Failures = append(b.Failures, BatchFailure{ID: id, Reason: reason})
}

func (b *BatchResult) SucceededCount() int { return len(b.Succeeded) }
func (b *BatchResult) FailedCount() int    { return len(b.Failures) }

// Summary renders a one-line human readable report, e.g.
// "1 succeeded, 1 failed (#4: cannot delete self)".
func (b *BatchResult) Summary() string {
	s := fmt.Sprintf("%d succeeded, %d failed", len(b.Succeeded), len(b.Failures))
	if len(b.Failures) == 0 {
		return s
	}
	reasons := make([]string, 0, len(b.Failures))
	for _, f := range b.Failures {
		reasons = append(reasons, fmt.Sprintf("#%d: %s", f.ID, f.Reason))
	}
	return s + " (" + strings.Join(reasons, "; ") + ")"
}
