package logger

import (
	"context"

	"github.com/telescribe/telescribe/ctxutil"
)

var traceKey = ctxutil.TraceIDKey

// getTraceID gets a trace ID from the context.
func getTraceID(ctx context.Context) string {
	return ctxutil.GetTraceID(ctx)
}

// getJobID gets the current job ID from the context.
func getJobID(ctx context.Context) string {
	return ctxutil.GetJobID(ctx)
}

// getUserID gets the acting user ID from the context.
func getUserID(ctx context.Context) int64 {
	return ctxutil.GetUserID(ctx)
}

// EnsureTraceID ensures that a trace ID exists in the context.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	return ctxutil.EnsureTraceID(ctx)
}
