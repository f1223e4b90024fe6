package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ConnectSphere/logger"
	"ConnectSphere/tools/errs"
	"ConnectSphere/tools/ids"
	"ConnectSphere/tools/security"

	"github.com/gin-gonic/gin"
)

// SSE fallback: clients that cannot upgrade stream deliveries over
// text/event-stream and emit events through POST /realtime/send. The auth
// token travels in the query (the handshake has no usable per-message
// header), rooms are joined up front, and the connection shares the same
// registry and fanout path as websocket clients.

func (s *Server) handleSSE(c *gin.Context) {
	identity, err := security.Verify(s.verify, c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusNotImplemented, errs.ErrInternal)
		return
	}

	connID := ids.GenerateString()
	client := NewClient(connID, identity, s.cfg.SendBuffer)
	s.reg.Register(client)

	var rooms []string
	for _, room := range strings.Split(c.Query("rooms"), ",") {
		if room = strings.TrimSpace(room); room != "" {
			s.reg.Join(connID, room)
			rooms = append(rooms, room)
		}
	}
	if prior := c.Query("resume"); prior != "" && s.resume != nil {
		if recovered, rerr := s.resume.Take(c.Request.Context(), prior); rerr == nil {
			for _, room := range recovered {
				s.reg.Join(connID, room)
				rooms = append(rooms, room)
			}
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c, BuildAuthAck(connID, identity, rooms))
	flusher.Flush()

	logger.Infof("[relay] sse connected conn=%s user=%s rooms=%d", connID, identity.UserID, len(rooms))

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case payload := <-client.Send:
			writeSSE(c, payload)
			flusher.Flush()
		case <-keepalive.C:
			// comment frame, keeps proxies from closing the stream
			_, _ = fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case <-done:
			s.teardownSSE(client)
			return
		case <-client.Done():
			s.teardownSSE(client)
			return
		}
	}
}

func (s *Server) teardownSSE(client *Client) {
	client.Close()
	rooms := s.reg.Deregister(client.ID)
	if len(rooms) > 0 && s.resume != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.resume.Save(ctx, client.ID, rooms, s.cfg.ResumeTTL)
	}
	logger.Infof("[relay] sse disconnected conn=%s user=%s", client.ID, client.Identity.UserID)
}

func writeSSE(c *gin.Context, payload []byte) {
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
}

// HandleSend is the plain-request emit path paired with the SSE stream:
// verify bearer, validate, publish, no delivery wait.
func (s *Server) HandleSend(c *gin.Context) {
	identity, err := security.Verify(s.verify, bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
		return
	}

	var f ClientFrame
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrBadFrame)
		return
	}
	f.Type = FrameSendMessage
	client := &Client{ID: "http", Identity: identity}
	if err := s.publishMessage(client, &f); err != nil {
		if errs.Code(err) == errs.BadFrameError {
			c.JSON(http.StatusBadRequest, errs.ErrBadFrame)
			return
		}
		c.JSON(http.StatusServiceUnavailable, errs.ErrPublishFailed)
		return
	}
	c.Status(http.StatusAccepted)
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}
