// Package middleware wraps job execution with recovery, logging, deadlines,
// tracing, metrics and run locks.
package middleware

import (
	"context"

	"leadline/internal/jobs"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler. It must call next unless it short-circuits.
type Middleware func(ctx context.Context, j *jobs.Job, next Handler) error

// Chain composes middleware so that the first one is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
