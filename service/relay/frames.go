package relay

import (
	"encoding/json"
	"time"

	"ConnectSphere/tools/errs"
	"ConnectSphere/tools/security"
)

// Client event kinds. A closed set: every inbound frame is decoded once and
// dispatched through a single switch, never through ad hoc handler maps.
const (
	FrameAuth        = "auth"
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameSendMessage = "send_message"
	FramePing        = "ping"
)

// Server frame kinds (besides verbatim bus kinds).
const (
	FrameConn    = "conn"
	FrameAuthAck = "auth_ack"
	FrameError   = "error"
	FramePong    = "pong"
)

// Bus event kinds carried in the envelope. new_message rides the messages
// channel; the rest ride the rooms channel and are produced by the external
// API layer, not by clients.
const (
	KindNewMessage          = "new_message"
	KindRoomCreated         = "room_created"
	KindRoomDeleted         = "room_deleted"
	KindParticipantsChanged = "participants_changed"
)

// Bus channel names (biz keys registered on the natsx route table).
const (
	BizMessages = "messages"
	BizRooms    = "rooms"
)

// ClientFrame is the single inbound shape; unused fields stay empty per type.
type ClientFrame struct {
	Type   string          `json:"type"`
	Token  string          `json:"token,omitempty"`
	Resume string          `json:"resume,omitempty"` // prior conn id, grace-period reclaim
	Room   string          `json:"room,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes one inbound client frame.
func ParseFrame(raw []byte) (*ClientFrame, error) {
	f := &ClientFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err, "unmarshal")
	}
	if f.Type == "" {
		return nil, errs.ErrBadFrame.WithDetail("missing type")
	}
	return f, nil
}

// ValidateSend checks the required fields of a send_message frame.
func ValidateSend(f *ClientFrame) error {
	if f.Room == "" {
		return errs.ErrBadFrame.WithDetail("send_message: missing room")
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return errs.ErrBadFrame.WithDetail("send_message: empty data")
	}
	return nil
}

// Envelope is the cross-process unit of fanout: {kind, room, opaque data},
// serialized as JSON text on the bus. The relay never interprets Data;
// ordering across processes is resolved downstream by ids inside Data.
type Envelope struct {
	Kind string          `json:"kind"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
	Ts   int64           `json:"ts,omitempty"`
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err, "envelope")
	}
	if e.Kind == "" || e.Room == "" {
		return nil, errs.ErrBadFrame.WithDetail("envelope: missing kind/room")
	}
	return e, nil
}

func (e *Envelope) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ServerFrame is the outbound shape; deliveries reuse the envelope kind as
// the frame type so the client sees {type, room, data, ts} verbatim.
type ServerFrame struct {
	Type         string          `json:"type"`
	Room         string          `json:"room,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Ts           int64           `json:"ts,omitempty"`
	ConnID       string          `json:"conn_id,omitempty"`
	GatewayID    string          `json:"gateway_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Email        string          `json:"email,omitempty"`
	Name         string          `json:"name,omitempty"`
	ResumedRooms []string        `json:"resumed_rooms,omitempty"`
	Code         int             `json:"code,omitempty"`
	Msg          string          `json:"msg,omitempty"`
}

func (f *ServerFrame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

func BuildConnHello(connID, gatewayID string) []byte {
	return (&ServerFrame{
		Type:      FrameConn,
		ConnID:    connID,
		GatewayID: gatewayID,
		Ts:        time.Now().UnixMilli(),
	}).Encode()
}

func BuildAuthAck(connID string, id *security.Identity, resumed []string) []byte {
	return (&ServerFrame{
		Type:         FrameAuthAck,
		ConnID:       connID,
		UserID:       id.UserID,
		Email:        id.Email,
		Name:         id.Name,
		ResumedRooms: resumed,
		Ts:           time.Now().UnixMilli(),
	}).Encode()
}

// BuildError carries only the coded message, never the detail.
func BuildError(ce *errs.CodeError) []byte {
	return (&ServerFrame{
		Type: FrameError,
		Code: ce.Code,
		Msg:  ce.Msg,
		Ts:   time.Now().UnixMilli(),
	}).Encode()
}

func BuildPong() []byte {
	return (&ServerFrame{Type: FramePong, Ts: time.Now().UnixMilli()}).Encode()
}

// BuildDelivery renders an envelope for the client transport.
func BuildDelivery(e *Envelope) []byte {
	ts := e.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return (&ServerFrame{Type: e.Kind, Room: e.Room, Data: e.Data, Ts: ts}).Encode()
}
