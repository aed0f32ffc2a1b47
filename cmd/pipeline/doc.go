// Package pipeline holds the failure-handling core of a report run: reading
// fields out of heterogeneous rows, shaping them into report records,
// guarding data-source calls, and retrying uploads with backoff.
//
// Nothing in this package talks to a database or the network directly. The
// orchestrator in package cmd wires it to a source and a delivery client:
//
//	rows := pipeline.SafeFetch(logger, "Medicare rate mismatch", func() (any, error) {
//	    return src.FetchRateMismatch(ctx)
//	})
//	records := pipeline.BuildRateMismatch(rows)
//	err := retrier.Upload(ctx, req, uploadFn)
package pipeline
