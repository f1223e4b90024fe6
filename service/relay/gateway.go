package relay

import (
	"context"
	"net"
	"time"

	"ConnectSphere/global/config"
	"ConnectSphere/logger"
	"ConnectSphere/middleware"
	"ConnectSphere/service/natsx"
	"ConnectSphere/service/storage"
	"ConnectSphere/tools"
	"ConnectSphere/tools/errs"
	"ConnectSphere/tools/ids"
	"ConnectSphere/tools/safe"
	"ConnectSphere/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Bus is the fanout bus seen by the gateway. *natsx.NatsManager satisfies
// it; tests inject a loopback.
type Bus interface {
	Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error
	Subscribe(biz string, h natsx.NatsxHandler) error
	Connected() bool
}

// Server ties the trust gate, the registry, the bus and the transports
// together. Constructed once in main; all dependencies are injected.
type Server struct {
	cfg      config.Config
	verify   security.Options
	reg      *Registry
	bus      Bus
	resume   storage.ResumeStore
	fanout   *Fanout
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, bus Bus, reg *Registry, resume storage.ResumeStore) *Server {
	return &Server{
		cfg:    cfg,
		verify: security.Options{Secret: []byte(cfg.JWTSecret), Alg: cfg.JWTAlg},
		reg:    reg,
		bus:    bus,
		resume: resume,
		fanout: NewFanout(cfg.FanoutWorkers, cfg.FanoutQueue),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.CheckOrigin(cfg.AllowedOrigin),
		},
	}
}

// StartFanout installs the per-channel bus subscriptions: exactly one per
// channel per process, independent of client count. The NATS client renews
// them across reconnects; they live until process shutdown.
func (s *Server) StartFanout() error {
	for _, biz := range []string{BizMessages, BizRooms} {
		if err := s.bus.Subscribe(biz, s.handleEnvelope); err != nil {
			return err
		}
	}
	return nil
}

// handleEnvelope is the shared consumer path: parse, look up local members,
// hand off to the worker pool. It tolerates duplicate delivery (the bus is
// at-least-once; room-level client effects are idempotent downstream) and
// never returns an error that would tear the subscription down.
func (s *Server) handleEnvelope(_ context.Context, m natsx.NatsxMessage) error {
	env, err := ParseEnvelope(m.Data)
	if err != nil {
		logger.Warnf("[relay] drop bad envelope subject=%s err=%v", m.Subject, err)
		return nil
	}
	members := s.reg.MembersOf(env.Room)
	if len(members) == 0 {
		return nil
	}
	s.fanout.Broadcast(members, BuildDelivery(env), func(c *Client, derr error) {
		// One slow or dead client must not affect the rest of the room.
		logger.Warnf("[relay] delivery failed conn=%s room=%s err=%v", c.ID, env.Room, derr)
		c.Close()
	})
	return nil
}

// HandleRealtime is the single transport endpoint: websocket when the client
// can upgrade, SSE stream otherwise.
func (s *Server) HandleRealtime(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.handleWS(c)
		return
	}
	s.handleSSE(c)
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[relay] upgrade failed: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()

	connID := ids.GenerateString()
	_ = writeFrame(ws, BuildConnHello(connID, s.cfg.GatewayID))

	// Trust gate: the first frame must be auth, inside the deadline.
	client, resumed, gateErr := s.authGate(ws, connID)
	if gateErr != nil {
		_ = writeFrame(ws, BuildError(errs.ErrTokenInvalid))
		return // Rejected: no registry entry was created.
	}

	s.reg.Register(client)
	for _, room := range resumed {
		s.reg.Join(client.ID, room)
	}
	if err := client.Deliver(BuildAuthAck(client.ID, client.Identity, resumed)); err != nil {
		client.Close()
	}

	safe.SafeGo("ws-write:"+client.ID, func() { s.writePump(ws, client) })
	s.readLoop(ws, client)

	// Disconnected: terminal. Rooms survive only in the resume store, for
	// ResumeTTL, claimable by conn id.
	client.Close()
	rooms := s.reg.Deregister(client.ID)
	if len(rooms) > 0 && s.resume != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.resume.Save(ctx, client.ID, rooms, s.cfg.ResumeTTL); err != nil {
			logger.Warnf("[relay] resume save failed conn=%s: %v", client.ID, err)
		}
	}
	logger.Infof("[relay] disconnected conn=%s user=%s rooms=%d", client.ID, client.Identity.UserID, len(rooms))
}

// authGate reads and verifies the auth frame. Any failure is collapsed into
// one opaque error; the caller closes the transport.
func (s *Server) authGate(ws *websocket.Conn, connID string) (*Client, []string, error) {
	deadline := s.cfg.AuthDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, errs.ErrTokenInvalid.WrapMsg(err, "no auth frame")
	}
	f, err := ParseFrame(raw)
	if err != nil || f.Type != FrameAuth {
		return nil, nil, errs.ErrTokenInvalid.WithDetail("first frame not auth")
	}
	identity, err := security.Verify(s.verify, f.Token)
	if err != nil {
		return nil, nil, err
	}

	client := NewClient(connID, identity, s.cfg.SendBuffer)

	var resumed []string
	if f.Resume != "" && s.resume != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rooms, rerr := s.resume.Take(ctx, f.Resume)
		if rerr != nil {
			logger.Warnf("[relay] resume take failed conn=%s prior=%s: %v", connID, f.Resume, rerr)
		} else {
			resumed = rooms
		}
	}

	logger.Infof("[relay] authenticated conn=%s user=%s resumed=%d", connID, identity.UserID, len(resumed))
	return client, resumed, nil
}

func (s *Server) readLoop(ws *websocket.Conn, client *Client) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[relay] peer closed conn=%s", client.ID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[relay] read timeout conn=%s", client.ID)
			} else {
				logger.Infof("[relay] read err conn=%s err=%v", client.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, perr := ParseFrame(raw)
		if perr != nil {
			sample := raw
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[relay] bad frame conn=%s err=%v sample=%q", client.ID, perr, sample)
			_ = client.Deliver(BuildError(errs.ErrBadFrame))
			continue
		}
		s.dispatch(client, f)
	}
}

// dispatch routes one decoded client frame. Errors stay scoped to this
// connection: they either produce an error frame or a log line, never a
// process-level failure.
func (s *Server) dispatch(client *Client, f *ClientFrame) {
	switch f.Type {
	case FramePing:
		_ = client.Deliver(BuildPong())
	case FrameJoin:
		// Bare subscription: room existence and authorization belong to the
		// API layer that issued the token.
		if f.Room == "" {
			_ = client.Deliver(BuildError(errs.ErrBadFrame))
			return
		}
		s.reg.Join(client.ID, f.Room)
	case FrameLeave:
		s.reg.Leave(client.ID, f.Room)
	case FrameSendMessage:
		if err := s.publishMessage(client, f); err != nil {
			if ce, ok := err.(*errs.CodeError); ok {
				_ = client.Deliver(BuildError(ce))
			} else {
				_ = client.Deliver(BuildError(errs.ErrInternal))
			}
		}
	case FrameAuth:
		// Already authenticated; identity is immutable for the connection.
		_ = client.Deliver(BuildError(errs.ErrBadFrame.WithDetail("already authenticated")))
	default:
		_ = client.Deliver(BuildError(errs.ErrBadFrame))
	}
}

// publishMessage forwards a client message onto the bus. Sending does not
// require a prior join: publish is unconditional, delivery is room-scoped.
// A failed publish fails the client operation but never the connection.
func (s *Server) publishMessage(client *Client, f *ClientFrame) error {
	if err := ValidateSend(f); err != nil {
		return err
	}
	env := &Envelope{
		Kind: KindNewMessage,
		Room: f.Room,
		Data: f.Data,
		Ts:   time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	hdr := map[string]string{
		"Relay-Gateway": s.cfg.GatewayID,
		"Relay-User":    client.Identity.UserID,
		"Relay-Msg-Id":  tools.RandMsgID(),
	}
	if err := s.bus.Publish(ctx, BizMessages, env.Encode(), hdr); err != nil {
		logger.Errorf("[relay] publish failed conn=%s room=%s err=%v", client.ID, f.Room, err)
		return errs.ErrPublishFailed
	}
	return nil
}

// writePump drains the client's send queue onto the socket and keeps the
// ping ticker. Exactly one per connection; exits when the client closes.
func (s *Server) writePump(ws *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close() // unblocks the read loop
	}()
	for {
		select {
		case payload := <-client.Send:
			if err := writeFrame(ws, payload); err != nil {
				logger.Infof("[relay] write err conn=%s err=%v", client.ID, err)
				client.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			return
		}
	}
}

func writeFrame(ws *websocket.Conn, payload []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}
