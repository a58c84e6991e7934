// Package async runs engine work on a bounded pool of workers fed by an
// in-memory ready queue. Durable state lives in the database; the queue only
// holds references to it, so anything lost on restart is rebuilt by recovery.
package async

import "context"

// Kind classifies a task for logging and stats
type Kind string

const (
	KindExecution Kind = "execution"
	KindDelivery  Kind = "delivery"
)

// Task is one unit of work. Key identifies the work item: a task whose key
// is already queued or running is dropped on push, so an execution or a
// delivery channel is never processed by two workers of the same pool.
type Task struct {
	Key  string
	Kind Kind
	Run  func(ctx context.Context) error
}
