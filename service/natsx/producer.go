package natsx

import (
	"context"
	"fmt"

	"ConnectSphere/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsxProducer is the publish side.
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish sends on the subject registered for biz. Fire-and-forget: no
// downstream ack is awaited. While the connection is down this fails fast
// (zero reconnect buffering) as ErrBusDown; other publish errors surface as
// ErrPublishFailed.
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.c.Connected() {
		return errs.ErrBusDown.WithDetail("subject=" + r.Subject)
	}
	msg := &nats.Msg{Subject: r.Subject, Data: data, Header: toHeader(hdr)}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return errs.ErrPublishFailed.WrapMsg(err, "subject="+r.Subject)
	}
	return nil
}
