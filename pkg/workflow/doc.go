// Package workflow holds the quote and invoice state machines.
//
// Each machine is an explicit Table of allowed (from, to) edges. An edge may
// carry a guard over a fresh snapshot of the entity and may be restricted to
// automatic (sweep) triggers. Anything not in a table is rejected with
// ErrTransitionNotAllowed; a failing guard yields ErrGuardFailed. Both are
// validation errors.
//
// Engine performs the read-check-write:
//
//	engine := workflow.NewEngine(store, workflow.WithLocation(loc), workflow.WithMetrics(metrics))
//	res, err := engine.TransitionInvoice(ctx, id, billing.InvoiceStatusApproved, "admin:sam", "approved by phone", time.Now())
//
// Requesting the status an entity already has is a no-op (Result.Changed is
// false) and writes no StateLog row, which makes sweeps safe to repeat.
package workflow
