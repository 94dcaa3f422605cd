// Package dispatch turns authorized pending requests into workspace work
// items, exactly once each. It is a batch step, safe to re-run: work item
// existence is checked before creation, and a request is only dequeued after
// its work item is confirmed on disk, so a crash in between just revisits the
// same request next run.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"vaultline/internal/engine"
)

// Reconciler scans the request store and dispatches to the sink. Run at most
// one instance per workspace: two concurrent scans could both observe "work
// item absent" and race on creation.
type Reconciler struct {
	Engine  engine.Engine
	Sink    WorkItemSink
	AgentID string
	Logger  *log.Logger
}

// Result reports one reconciliation run. Skipped entities already had a work
// item in flight; their requests stay enqueued for a later run.
type Result struct {
	Dispatched []string `json:"dispatched"`
	Skipped    []string `json:"skipped"`
	Failed     []string `json:"failed,omitempty"`
}

func (r Reconciler) now() time.Time {
	if r.Engine.Now != nil {
		return r.Engine.Now()
	}
	return time.Now()
}

func (r Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run dispatches every authorized enqueued request, oldest first. A sink
// failure for one entity is logged and recorded; the rest of the scan
// continues. An unknown request type aborts the run.
func (r Reconciler) Run(ctx context.Context) (Result, error) {
	result := Result{Dispatched: []string{}, Skipped: []string{}}
	pending, err := r.Engine.Repo.ListDispatchable(ctx)
	if err != nil {
		return result, err
	}
	for _, req := range pending {
		exists, err := r.Sink.Exists(req.IEID)
		if err != nil {
			r.logger().Printf("dispatch: existence check for %s failed: %v", req.IEID, err)
			result.Failed = append(result.Failed, req.IEID)
			continue
		}
		if exists {
			// One outstanding work item per entity; the rest wait until
			// downstream clears it.
			result.Skipped = append(result.Skipped, req.IEID)
			continue
		}
		if _, err := r.Sink.Create(req.IEID, req.Type, r.now()); err != nil {
			if errors.Is(err, ErrUnknownType) {
				return result, err
			}
			r.logger().Printf("dispatch: create work item for %s failed: %v", req.IEID, err)
			result.Failed = append(result.Failed, req.IEID)
			continue
		}
		if err := r.Engine.Dequeue(ctx, req.ID, r.AgentID); err != nil {
			// The work item is on disk; the next run sees it and skips
			// creation, so this request is revisited, never re-dispatched.
			r.logger().Printf("dispatch: dequeue request %d failed: %v", req.ID, err)
			result.Failed = append(result.Failed, req.IEID)
			continue
		}
		result.Dispatched = append(result.Dispatched, req.IEID)
	}
	return result, nil
}
