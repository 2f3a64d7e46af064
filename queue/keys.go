package queue

import "strings"

// keys holds the broker key names derived deterministically from an
// optional global prefix and the queue name, per spec.md's "Broker key
// layout" table. Computed once at Queue construction and held immutably,
// the way the teacher's worker precomputes its sampler keys.
type keys struct {
	pending   string
	scheduled string
	running   string
	stats     string
	jobPrefix string // concatenate with job id for the per-job hash key
}

func newKeys(prefix, name string) keys {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(name)
	b.WriteByte(':')
	base := b.String()

	return keys{
		pending:   base + "pending",
		scheduled: base + "scheduled",
		running:   base + "running",
		stats:     base + "stats",
		jobPrefix: base + "job:",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}
