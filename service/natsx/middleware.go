package natsx

import (
	"context"

	"ConnectSphere/logger"
	"ConnectSphere/tools/errs"
)

// NatsxRecover keeps a panicking handler from killing the shared consumer
// goroutine; the message is dropped and logged.
func NatsxRecover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
					logger.Errorf("[natsx] handler panic subject=%s: %v", msg.Subject, err)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// NatsxLogging traces every consumed message at debug level.
func NatsxLogging() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			logger.Debugf("[natsx] recv subject=%s len=%d", msg.Subject, len(msg.Data))
			return next(ctx, msg)
		}
	}
}
