package queue

import (
	"time"

	"github.com/google/uuid"
)

// Job field abbreviations stored in the broker's per-job hash. These are
// the on-wire contract between producers, the broker scripts, and workers
// of any language, so they must stay stable.
const (
	fieldPayload        = "pay"
	fieldTimeout        = "to"
	fieldCurrentRetries = "cr"
	fieldMaxRetries     = "mr"
	fieldRetryBackoff   = "bo"
	fieldRunAt          = "ra"
	fieldEnqueuedAt     = "qt"
	fieldStartedAt      = "st"
	fieldEndedAt        = "end"
	fieldSucceeded      = "suc"
	fieldErrorDetails   = "err"
	fieldName           = "nam"
)

// NoPayloadUpdate is the sentinel passed to Queue.Update to mean "leave the
// payload untouched." The update script only writes a payload of non-zero
// length, so a zero-length (but non-nil) slice is treated the same as this
// nil sentinel: the payload cannot be replaced with empty bytes.
var NoPayloadUpdate []byte

// Job is the value type flowing through the queue: producers build one (or
// a *Job returned by JobInfo), the broker never interprets payload bytes.
type Job struct {
	ID   string
	Name string

	Payload []byte

	Timeout      time.Duration
	MaxRetries   uint32
	RetryBackoff time.Duration
	RunAt        time.Time

	CurrentRetries uint32

	EnqueuedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time

	// Succeeded is a tri-state: nil means unset, else true/false.
	Succeeded *bool

	ErrorDetails string
}

// JobID describes how to mint a job's identity when a producer doesn't
// supply one explicitly. Mirrors the three minting strategies of the
// original queue's job builder: generate fresh, prefix a fresh id, or use
// a caller-supplied value verbatim.
type JobID struct {
	value  string
	prefix string
	auto   bool
}

// AutoJobID generates a fresh random id.
func AutoJobID() JobID { return JobID{auto: true} }

// PrefixJobID generates a fresh random id with the given prefix, separated
// by a colon, e.g. "account-sync:3fa9c1...".
func PrefixJobID(prefix string) JobID { return JobID{prefix: prefix} }

// ValueJobID uses the given value as the job id verbatim. It is the
// caller's responsibility to ensure uniqueness within the queue.
func ValueJobID(value string) JobID { return JobID{value: value} }

// Make resolves the JobID to a concrete string.
func (j JobID) Make() string {
	switch {
	case j.value != "":
		return j.value
	case j.prefix != "":
		return j.prefix + ":" + uuid.NewString()
	default:
		return uuid.NewString()
	}
}

// succeededValue returns "", "1", or "0" for the hash field, matching the
// original's empty-string-means-unset convention for the "suc" field.
func succeededValue(s *bool) string {
	if s == nil {
		return ""
	}
	if *s {
		return "1"
	}
	return "0"
}

func parseSucceeded(s string) *bool {
	if s == "" {
		return nil
	}
	v := s == "1" || s == "true"
	return &v
}
