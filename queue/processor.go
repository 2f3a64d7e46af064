package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Processor handles one dequeued job. Returning a non-nil error marks the
// attempt failed; the queue decides (from max_retries/current_retries) to
// reschedule with backoff or archive as failed. A Processor must respect
// ctx cancellation: ctx is cancelled when the job's timeout elapses or the
// job is cooperatively cancelled via Queue.Cancel, generalizing the
// teacher's reflection-based jobType.Handler to a single typed method
// (spec.md §9 "Polymorphism over processors" — favor one interface over
// the teacher's runtime reflection and per-jobType middleware chains).
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) error

func (f ProcessorFunc) Process(ctx context.Context, job Job) error { return f(ctx, job) }

// Typed builds a Processor that JSON-decodes a job's payload into T before
// calling fn, and is the idiomatic way to register a payload-shaped
// handler without hand-rolling json.Unmarshal in every handler, the same
// convenience the teacher's reflection-based Job() registration gave for
// free; here it's explicit and generic instead of reflective.
func Typed[T any](fn func(ctx context.Context, job Job, payload T) error) Processor {
	return ProcessorFunc(func(ctx context.Context, job Job) error {
		var payload T
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("%w: %v", ErrPayloadDeserialize, err)
			}
		}
		return fn(ctx, job, payload)
	})
}

// Registry maps job names to the Processor that handles them, the
// generalization of the teacher's WorkerPool.jobTypes map. A WorkerPool
// holds one Registry; jobs whose Name isn't registered fail immediately
// with ErrNoProcessor and are not retried, mirroring the teacher's "stray
// job: no handler" path in worker.go.
type Registry struct {
	byName map[string]Processor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Processor)}
}

// Register associates a job name with the Processor that handles it.
// Registering the empty string name serves as the catch-all default for
// jobs enqueued without a Name.
func (r *Registry) Register(name string, p Processor) {
	r.byName[name] = p
}

// ErrNoProcessor classifies a job whose Name has no registered Processor.
var ErrNoProcessor = fmt.Errorf("queue: no processor registered for job name")

func (r *Registry) lookup(name string) (Processor, error) {
	if p, ok := r.byName[name]; ok {
		return p, nil
	}
	if p, ok := r.byName[""]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoProcessor, name)
}
