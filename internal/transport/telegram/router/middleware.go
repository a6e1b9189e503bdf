package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "pitwall/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				// Slow upstream calls (standings, schedule) stay visible at INFO.
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// chatLimiter throttles commands per chat. Excess commands are dropped silently.
type chatLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	chats map[int64]*rate.Limiter
}

func newChatLimiter(perSec float64, burst int) *chatLimiter {
	return &chatLimiter{every: rate.Limit(perSec), burst: burst, chats: map[int64]*rate.Limiter{}}
}

func (l *chatLimiter) allow(chat int64) bool {
	l.mu.Lock()
	lim, ok := l.chats[chat]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.chats[chat] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
