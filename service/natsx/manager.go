package natsx

import (
	"context"
	"fmt"
)

// NatsManager is the single facade the rest of the process talks to.
// Constructed once in main and injected; no package-level singleton.
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

func NewNatsManager(cfg NatsxConfig, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, middlewares...),
	}, nil
}

func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.client.RegisterRoute(r)
}

func (m *NatsManager) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.producer.Publish(ctx, biz, data, hdr)
}

func (m *NatsManager) Subscribe(biz string, h NatsxHandler) error {
	if m == nil || m.consumer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.consumer.Subscribe(biz, h)
}

func (m *NatsManager) Connected() bool {
	return m != nil && m.client != nil && m.client.Connected()
}
