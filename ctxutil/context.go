package ctxutil

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/telescribe/telescribe/nanoid"
)

const (
	ginContextKey = "gin_context"
	TraceIDKey    = "trace_id"
	jobIDKey      = "job_id"
	userIDKey     = "user_id"
)

// FromGinContext extracts the context.Context from *gin.Context.
func FromGinContext(c *gin.Context) context.Context {
	return c.Request.Context()
}

// WithGinContext returns a context.Context that embeds the *gin.Context.
func WithGinContext(ctx context.Context, c *gin.Context) context.Context {
	return context.WithValue(ctx, ginContextKey, c)
}

// GetGinContext extracts *gin.Context from context.Context if it exists.
func GetGinContext(ctx context.Context) (*gin.Context, bool) {
	if c, ok := ctx.Value(ginContextKey).(*gin.Context); ok {
		return c, ok
	}
	return nil, false
}

// GetValue retrieves a value from the context.
func GetValue(ctx context.Context, key string) any {
	if c, ok := GetGinContext(ctx); ok {
		if val, exists := c.Get(key); exists {
			return val
		}
	}
	return ctx.Value(key)
}

// SetValue sets a value to the context.
func SetValue(ctx context.Context, key string, val any) context.Context {
	if c, ok := GetGinContext(ctx); ok {
		c.Set(key, val)
	}
	return context.WithValue(ctx, key, val)
}

// GetTraceID gets trace id from context.Context or gin.Context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := GetValue(ctx, TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// SetTraceID sets trace id to context.Context and gin.Context if available.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return SetValue(ctx, TraceIDKey, traceID)
}

// EnsureTraceID ensures that a trace ID exists in the context.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if traceID := GetTraceID(ctx); traceID != "" {
		return ctx, traceID
	}
	traceID := nanoid.Lower(24)
	return SetTraceID(ctx, traceID), traceID
}

// SetJobID sets the current job id to the context.
func SetJobID(ctx context.Context, jobID string) context.Context {
	return SetValue(ctx, jobIDKey, jobID)
}

// GetJobID gets the current job id from the context.
func GetJobID(ctx context.Context) string {
	if jobID, ok := GetValue(ctx, jobIDKey).(string); ok {
		return jobID
	}
	return ""
}

// SetUserID sets the acting Telegram user id to the context.
func SetUserID(ctx context.Context, userID int64) context.Context {
	return SetValue(ctx, userIDKey, userID)
}

// GetUserID gets the acting Telegram user id from the context.
func GetUserID(ctx context.Context) int64 {
	if userID, ok := GetValue(ctx, userIDKey).(int64); ok {
		return userID
	}
	return 0
}
