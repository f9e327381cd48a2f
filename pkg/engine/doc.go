// Package engine provides the lifecycle core of the labforge control plane.
//
// # Overview
//
// labforge provisions per-project analytical infrastructure on cloud
// providers. Every managed resource moves through one state machine:
//
//	REQUESTED -> PROVISIONING -> RUNNING -> STOPPING -> STOPPED -> PROVISIONING
//	RUNNING/STOPPED -> TERMINATING -> TERMINATED
//	PROVISIONING/STOPPING/TERMINATING -> FAILED
//
// Provider calls are asynchronous. A dispatch only waits for the provider to
// accept the action; the outcome arrives later as a callback carrying the
// sequence number the dispatch was tagged with.
//
// # Components
//
//   - QuotaGuard: atomic count-and-insert against per-user and per-project limits
//   - Orchestrator: admission, dependency gating and dispatch
//   - Reconciler: applies callbacks in sequence order and drops stale ones
//   - SchedulerEngine: periodic start/stop/idle evaluation and timeout sweeps
//   - ReuploadKeyWorkflow: rotates a user's key across a project
//   - CallbackIngress: per-category callback entry points
//
// Resources depend on each other: PROJECT -> EDGE -> EXPLORATORY ->
// COMPUTATIONAL. A create or start whose parent is not running is queued,
// not failed, and dispatched when the parent's callback makes it running.
//
// # Concurrency
//
// Every mutation of a record happens under that record's lock and is written
// with a version check. Locks are never held across provider calls. The
// registry is the only shared state; no component caches records.
//
// # Error Classification
//
// Errors are *EngineError values with a class and a code:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: provider rate limiting
//   - Conflict: version conflicts and actions already in flight
//   - Permanent: validation, quota and provisioning failures
//
// Only idempotent actions (start, stop, terminate) are retried, and only on
// transient or throttled provider errors. Creates are never retried.
//
// # Example Usage
//
//	eng, err := engine.New(engine.Options{Registry: store, Adapters: adapters, Quota: quota})
//	adm, err := eng.Orchestrator.Submit(ctx, "alice", &engine.ResourceRequest{
//	    Type:     engine.ResourceTypeExploratory,
//	    Name:     "notebook",
//	    Owner:    "alice",
//	    Project:  "genomics",
//	    Provider: "local",
//	})
//	if adm.Outcome == engine.OutcomeQueued {
//	    // waits for the project's edge
//	}
package engine
