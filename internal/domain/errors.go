package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced at the API boundary (§7 of the orchestrator
// design: IllegalTransition, Conflict, NotFound are API-level).
var (
	ErrNotFound           = errors.New("work item not found")
	ErrConflict           = errors.New("version conflict")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrStoreUnavailable   = errors.New("durable store unavailable")
	ErrLockHeld           = errors.New("lock held by another worker")
	ErrAlreadyCancelled   = errors.New("work item already cancelled")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// StageFailure is how a stage handler (or the executor wrapping a raw error)
// reports why a stage did not succeed. It is never propagated out of the
// worker loop; the worker maps it to a transition per the retry policy.
type StageFailure struct {
	Class   FailureClass
	Reason  string
	Details string
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage failed [%s]: %s", e.Class, e.Reason)
}

// NewStageFailure builds a StageFailure, the constructor stage handlers are
// expected to use when raising a typed failure instead of a bare error.
func NewStageFailure(class FailureClass, reason string) *StageFailure {
	return &StageFailure{Class: class, Reason: reason}
}

// QuotaExceededErr is distinct from a RATE_LIMIT StageFailure because it
// carries a scheduled reset instant and implies partial progress must be
// preserved rather than discarded.
type QuotaExceededErr struct {
	Service string
	ResetAt time.Time
}

func (e *QuotaExceededErr) Error() string {
	return fmt.Sprintf("quota exceeded for %s, resets at %s", e.Service, e.ResetAt.Format(time.RFC3339))
}

// AsStageFailure unwraps err into a *StageFailure, if it is one.
func AsStageFailure(err error) (*StageFailure, bool) {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}

// AsQuotaExceeded unwraps err into a *QuotaExceededErr, if it is one.
func AsQuotaExceeded(err error) (*QuotaExceededErr, bool) {
	var qe *QuotaExceededErr
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// classifyRaw maps an unclassified error returned by a stage handler's
// underlying call into a failure class by inspecting well-known substrings,
// mirroring the teacher's retry_entities.go ShouldRetry heuristic: default
// to retryable (TRANSIENT) for anything unrecognized, since refusing to
// retry an unknown failure risks stranding an item that would have
// succeeded on a second attempt.
func classifyRaw(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}
	msg := err.Error()
	for _, s := range nonRetryableSubstrings {
		if containsFold(msg, s) {
			return ClassValidation
		}
	}
	for _, s := range fatalSubstrings {
		if containsFold(msg, s) {
			return ClassFatal
		}
	}
	return ClassTransient
}

var nonRetryableSubstrings = []string{
	"invalid argument",
	"validation failed",
	"schema mismatch",
	"bad request",
}

var fatalSubstrings = []string{
	"missing dependency",
	"unsupported",
	"permanently unavailable",
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// small case-insensitive search; avoids pulling in strings.ToLower
	// allocations on the hot classification path.
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		matched := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

// ClassifyError turns any error raised by a stage handler's body into a
// FailureClass, preferring an explicit *StageFailure/*QuotaExceededErr over
// substring heuristics.
func ClassifyError(err error) FailureClass {
	if sf, ok := AsStageFailure(err); ok {
		return sf.Class
	}
	if _, ok := AsQuotaExceeded(err); ok {
		return ClassRateLimit
	}
	return classifyRaw(err)
}
