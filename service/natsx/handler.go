package natsx

import "context"

// NatsxMessage is the unified inbound message shape.
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler is the subscription callback; invoked once per received
// message per process.
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware wraps handlers (logging, recovery, metrics, ...).
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain composes middlewares, first in the slice outermost.
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
