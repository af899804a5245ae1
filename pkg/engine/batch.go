package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBatch runs one workflow per parameter set with at most limit runs in
// flight. Runs are independent: each owns its ExecutionContext, and a failed
// run does not cancel the others. Results are returned in input order.
func (e *WorkflowEngine) RunBatch(ctx context.Context, wf *Workflow, params []Parameters, limit int) []*RunResult {
	results := make([]*RunResult, len(params))
	if limit <= 0 {
		limit = len(params)
	}

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, p := range params {
		g.Go(func() error {
			results[i] = e.Run(ctx, wf, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BatchSucceeded reports whether every run succeeded.
func BatchSucceeded(results []*RunResult) bool {
	for _, r := range results {
		if r == nil || r.Status != RunStatusSucceeded {
			return false
		}
	}
	return true
}
