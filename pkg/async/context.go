// Package async starts detached background work that keeps the request's
// log identifiers but not its cancellation.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	apperrors "github.com/gidigo/ride-coordinator/pkg/errors"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"go.uber.org/zap"
)

// TaskContext holds the identifiers propagated to a detached task.
type TaskContext struct {
	CorrelationID string
	SessionID     string
	RideID        string
	StartTime     time.Time
	TaskName      string
}

// CaptureContext captures the identifiers carried by ctx.
func CaptureContext(ctx context.Context, taskName string) TaskContext {
	return TaskContext{
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		SessionID:     logger.SessionIDFromContext(ctx),
		RideID:        logger.RideIDFromContext(ctx),
		StartTime:     time.Now(),
		TaskName:      taskName,
	}
}

// NewContext creates a fresh context carrying the captured identifiers.
func (tc TaskContext) NewContext() context.Context {
	ctx := context.Background()
	if tc.CorrelationID != "" {
		ctx = logger.ContextWithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.SessionID != "" {
		ctx = logger.ContextWithSessionID(ctx, tc.SessionID)
	}
	if tc.RideID != "" {
		ctx = logger.ContextWithRideID(ctx, tc.RideID)
	}
	return ctx
}

// NewContextWithTimeout is NewContext bounded by timeout.
func (tc TaskContext) NewContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tc.NewContext(), timeout)
}

// Go runs fn in a goroutine with the identifiers of ctx and panic recovery.
// fn outlives ctx: cancelling ctx does not cancel the task.
//
// Usage:
//
//	async.Go(ctx, "session-expire", func(ctx context.Context) {
//	    manager.Expire(ctx, sessionID)
//	})
func Go(ctx context.Context, taskName string, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		taskCtx := tc.NewContext()
		fn(taskCtx)

		logger.WithContext(taskCtx).Debug("async task completed",
			zap.String("task", tc.TaskName),
			zap.Duration("duration", time.Since(tc.StartTime)),
		)
	}()
}

// GoWithTimeout is Go with the task context bounded by timeout.
func GoWithTimeout(ctx context.Context, taskName string, timeout time.Duration, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		taskCtx, cancel := tc.NewContextWithTimeout(timeout)
		defer cancel()
		fn(taskCtx)

		if taskCtx.Err() == context.DeadlineExceeded {
			logger.WarnContext(taskCtx, "async task timed out",
				zap.String("task", tc.TaskName),
				zap.Duration("timeout", timeout),
			)
		}
	}()
}

func recoverWithLogging(tc TaskContext) {
	if r := recover(); r != nil {
		ctx := tc.NewContext()
		logger.ErrorContext(ctx, "async task panicked",
			zap.String("task", tc.TaskName),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
		apperrors.CaptureErrorWithContext(ctx, fmt.Errorf("panic in %s: %v", tc.TaskName, r), map[string]interface{}{
			"task": tc.TaskName,
		})
	}
}
