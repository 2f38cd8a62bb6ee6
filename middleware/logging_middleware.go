package middleware

import (
	"context"
	"time"

	"remote-signal/message"
	"remote-signal/xlog"
)

// LoggingMiddleware logs every dispatched call with its duration at debug
// level, and failed calls at warn level.
func LoggingMiddleware(logger xlog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) error {
			start := time.Now()
			err := next(ctx, call)
			duration := time.Since(start)
			if err != nil {
				logger.Warn().Err(err).
					Str("service", call.Service).
					Str("method", call.Method).
					Dur("duration", duration).
					Msg("call failed")
				return err
			}
			logger.Debug().
				Str("service", call.Service).
				Str("method", call.Method).
				Dur("duration", duration).
				Msg("call dispatched")
			return nil
		}
	}
}
