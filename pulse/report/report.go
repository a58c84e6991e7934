// Package report defines the report-generation collaborator the engine calls
// for each execution, and a script-backed implementation.
package report

import (
	"context"
	"time"
)

// Request describes one report run
type Request struct {
	ExecutionID  string
	ScheduleID   string
	ReportID     string
	ScheduledFor time.Time
	Parameters   map[string]string
}

// Artifact is a generated report payload
type Artifact struct {
	ContentType string
	Filename    string
	Data        []byte
	// ReportExecutionID is the generator's own run identifier, if it has one
	ReportExecutionID string
}

// Size returns the payload size in bytes
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Generator produces a report. Implementations must honour ctx cancellation
// at their own checkpoints and mark failures that will recur with
// retry.Permanent so the engine does not spend its retry budget on them.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Artifact, error)
}

// Func adapts a function to the Generator interface
type Func func(ctx context.Context, req Request) (*Artifact, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, req Request) (*Artifact, error) {
	return f(ctx, req)
}
