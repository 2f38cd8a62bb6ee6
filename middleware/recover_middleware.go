package middleware

import (
	"context"

	"github.com/pkg/errors"

	"remote-signal/message"
)

// RecoverMiddleware turns a panicking service into an ordinary error so one
// bad handler cannot kill the device read loop that is dispatching.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("panic in %s.%s: %v", call.Service, call.Method, r)
				}
			}()
			return next(ctx, call)
		}
	}
}
