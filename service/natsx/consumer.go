package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsxConsumer is the subscribe side.
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe registers h on the subject routed for biz. One subscription per
// biz per process; the NATS client re-establishes it transparently after a
// reconnect, so callers never re-register. Queue-less routes broadcast to
// every subscribing process.
func (cs *NatsxConsumer) Subscribe(biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	cs.c.mu.RLock()
	_, dup := cs.c.subs[biz]
	cs.c.mu.RUnlock()
	if dup {
		return fmt.Errorf("already subscribed: %s", biz)
	}

	h = NatsxChain(h, cs.mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = cs.c.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	cs.c.mu.Lock()
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
	return nil
}
