package queue

import "github.com/google/uuid"

// makeIdentifier mints a process-unique identifier for a worker or worker
// pool instance, the same role the teacher's makeIdentifier() plays in
// worker.go/worker_pool.go (there undefined in the retrieved sources but
// referenced from newWorker/NewWorkerPool).
func makeIdentifier() string {
	return uuid.NewString()
}
