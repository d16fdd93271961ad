// Package advisory runs follow-up steps whose failure must never change the
// outcome reported to the caller, and makes that explicit in the return type.
package advisory

import (
	"context"

	"go.uber.org/zap"
)

// Result is the outcome of an advisory step. It is logged and otherwise ignored.
type Result struct {
	Step string
	Err  error
}

// OK reports whether the step succeeded
func (r Result) OK() bool { return r.Err == nil }

// Run executes fn and logs a failure as a reconciliation gap.
// The returned Result lets callers react (e.g. alert) without failing.
func Run(ctx context.Context, logger *zap.Logger, step string, fn func(ctx context.Context) error, fields ...zap.Field) Result {
	err := fn(ctx)
	if err != nil {
		logger.Error("Advisory step failed",
			append(fields,
				zap.String("step", step),
				zap.Bool("reconciliation_gap", true),
				zap.Error(err),
			)...,
		)
	}
	return Result{Step: step, Err: err}
}
