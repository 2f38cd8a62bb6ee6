package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"remote-signal/message"
)

// ErrRateLimited is returned for calls rejected by RateLimitMiddleware.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// Rejected calls never reach the service. The error is not an
// IncorrectMethod error, so the peer gets no reply.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) error {
			if !limiter.Allow() {
				return errors.Wrapf(ErrRateLimited, "%s.%s", call.Service, call.Method)
			}
			return next(ctx, call)
		}
	}
}
