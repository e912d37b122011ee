package kin

import (
	"context"
	"runtime/debug"
	"time"
)

// RecoveryMiddleware turns handler panics into PanicError.
func RecoveryMiddleware() Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, cmd Command) (result *Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = &PanicError{
						CommandType: cmd.CommandType(),
						Value:       r,
						Stack:       string(debug.Stack()),
					}
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, cmd Command) (*Result, error) {
			start := time.Now()
			env := cmd.Envelope()

			result, err := next(ctx, cmd)

			duration := time.Since(start)
			switch {
			case err == nil:
				m.logger.Info("Command completed",
					"type", cmd.CommandType(),
					"tenant", env.TenantID,
					"task", result.TaskID,
					"version", result.Version,
					"attempts", result.Attempts,
					"duration", duration,
				)
			case KindOf(err) == KindCorrupt || KindOf(err) == KindInternal:
				m.logger.Error("Command failed",
					"type", cmd.CommandType(),
					"tenant", env.TenantID,
					"task", env.TaskID,
					"correlationId", env.CorrelationID,
					"kind", string(KindOf(err)),
					"duration", duration,
					"error", err,
				)
			default:
				m.logger.Warn("Command rejected",
					"type", cmd.CommandType(),
					"tenant", env.TenantID,
					"task", env.TaskID,
					"kind", string(KindOf(err)),
					"duration", duration,
					"error", err,
				)
			}

			return result, err
		}
	}
}

// TimeoutMiddleware bounds the whole command, retries included.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, cmd Command) (*Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// Chain composes middleware so that the first is the outermost.
func Chain(h HandleFunc, mw ...Middleware) HandleFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
