package transferguard

import (
	"context"
	"time"
)

// ============================================================================
// Guard Hook Context Types
// ============================================================================

// SubmitContext contains information passed to before-submit hooks
type SubmitContext struct {
	Ctx       context.Context
	Request   TransferRequest
	Timestamp time.Time
}

// SubmitResultContext contains a completed submission and its context
type SubmitResultContext struct {
	SubmitContext
	Outcome  TransferOutcome
	Duration time.Duration
}

// SubmitFailureContext contains a failed submission and its context
type SubmitFailureContext struct {
	SubmitContext
	Error    error
	Duration time.Duration
}

// DuplicateContext contains a short-circuited duplicate and its context
type DuplicateContext struct {
	SubmitContext
	Outcome TransferOutcome
}

// BeforeSubmitHook runs before a submission is evaluated
type BeforeSubmitHook func(ctx SubmitContext)

// AfterSubmitHook runs after the executor accepted a transfer
type AfterSubmitHook func(ctx SubmitResultContext)

// OnSubmitFailureHook runs after the executor rejected a transfer
type OnSubmitFailureHook func(ctx SubmitFailureContext)

// OnDuplicateHook runs when a submission short-circuits on a prior transfer
type OnDuplicateHook func(ctx DuplicateContext)

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (g *Guard) OnBeforeSubmit(hook BeforeSubmitHook) *Guard {
	g.beforeSubmitHooks = append(g.beforeSubmitHooks, hook)
	return g
}

func (g *Guard) OnAfterSubmit(hook AfterSubmitHook) *Guard {
	g.afterSubmitHooks = append(g.afterSubmitHooks, hook)
	return g
}

func (g *Guard) OnSubmitFailure(hook OnSubmitFailureHook) *Guard {
	g.onSubmitFailHooks = append(g.onSubmitFailHooks, hook)
	return g
}

func (g *Guard) OnDuplicate(hook OnDuplicateHook) *Guard {
	g.onDuplicateHooks = append(g.onDuplicateHooks, hook)
	return g
}

// ============================================================================
// Hook Runners
// ============================================================================

func (g *Guard) runBeforeSubmitHooks(ctx context.Context, req TransferRequest) {
	for _, hook := range g.beforeSubmitHooks {
		hook(SubmitContext{Ctx: ctx, Request: req, Timestamp: g.now()})
	}
}

func (g *Guard) runAfterSubmitHooks(ctx context.Context, req TransferRequest, outcome *TransferOutcome, duration time.Duration) {
	for _, hook := range g.afterSubmitHooks {
		hook(SubmitResultContext{
			SubmitContext: SubmitContext{Ctx: ctx, Request: req, Timestamp: g.now()},
			Outcome:       *outcome,
			Duration:      duration,
		})
	}
}

func (g *Guard) runSubmitFailureHooks(ctx context.Context, req TransferRequest, err error, duration time.Duration) {
	for _, hook := range g.onSubmitFailHooks {
		hook(SubmitFailureContext{
			SubmitContext: SubmitContext{Ctx: ctx, Request: req, Timestamp: g.now()},
			Error:         err,
			Duration:      duration,
		})
	}
}

func (g *Guard) runDuplicateHooks(ctx context.Context, req TransferRequest, outcome *TransferOutcome) {
	for _, hook := range g.onDuplicateHooks {
		hook(DuplicateContext{
			SubmitContext: SubmitContext{Ctx: ctx, Request: req, Timestamp: g.now()},
			Outcome:       *outcome,
		})
	}
}
