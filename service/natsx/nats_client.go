package natsx

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"ConnectSphere/logger"

	"github.com/nats-io/nats.go"
)

// NatsxRoute maps a business channel onto a NATS subject. Queue is optional:
// the relay leaves it empty so every process gets every event (broadcast
// fanout, including the publishing process itself).
type NatsxRoute struct {
	Biz     string
	Subject string
	Queue   string
}

// NatsxConfig is the client configuration.
type NatsxConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	TLSInsecure   bool
}

// NatsxClient owns the connection, the route table and the live
// subscriptions. Routes are registered at startup and read-only afterwards.
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu     sync.RWMutex
	routes map[string]NatsxRoute         // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

// NewNatsxClient connects to NATS. Reconnect is unbounded with jittered
// backoff; the reconnect buffer is disabled so a publish during an outage
// fails fast instead of queueing in memory.
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[natsx] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Errorf("[natsx] async error subject=%s: %v", sub.Subject, err)
				return
			}
			logger.Errorf("[natsx] async error: %v", err)
		}),
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsxClient{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close drains subscriptions and the connection.
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// Connected reports whether the underlying connection is currently up.
// Consumed by the health endpoint only.
func (c *NatsxClient) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// RegisterRoute registers a biz route.
func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func toHeader(h map[string]string) nats.Header {
	if len(h) == 0 {
		return nil
	}
	out := nats.Header{}
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}
