// Package middleware wraps the dispatch of inbound remote calls.
//
// A router builds its chain once and runs every decoded RemoteCall through
// it before the call reaches the service:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
//	A.before → B.before → C.before → dispatch → C.after → B.after → A.after
//
// Middlewares see the call and the error the service returned. An
// *service.IncorrectMethodError passed back up the chain is answered to the
// peer; any other error is only logged.
package middleware

import (
	"context"

	"remote-signal/message"
)

type HandlerFunc func(ctx context.Context, call *message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
