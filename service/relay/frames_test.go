package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"ConnectSphere/tools/errs"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"send_message","room":"42","data":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if f.Type != FrameSendMessage || f.Room != "42" {
		t.Errorf("frame = %+v", f)
	}
	if string(f.Data) != `{"text":"hi"}` {
		t.Errorf("data = %s, want verbatim payload", f.Data)
	}
}

func TestParseFrameErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "hello"},
		{"missing type", `{"room":"42"}`},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tc.raw)); !errors.Is(err, errs.ErrBadFrame) {
				t.Errorf("err = %v, want ErrBadFrame", err)
			}
		})
	}
}

func TestValidateSend(t *testing.T) {
	ok := &ClientFrame{Type: FrameSendMessage, Room: "1", Data: json.RawMessage(`{"a":1}`)}
	if err := ValidateSend(ok); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}
	bad := []*ClientFrame{
		{Type: FrameSendMessage, Data: json.RawMessage(`{}`)},          // no room
		{Type: FrameSendMessage, Room: "1"},                            // no data
		{Type: FrameSendMessage, Room: "1", Data: json.RawMessage("null")},
	}
	for i, f := range bad {
		if err := ValidateSend(f); err == nil {
			t.Errorf("case %d: invalid frame accepted", i)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{Kind: KindNewMessage, Room: "42", Data: json.RawMessage(`{"text":"hi"}`), Ts: 123}
	out, err := ParseEnvelope(in.Encode())
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if out.Kind != in.Kind || out.Room != in.Room || out.Ts != in.Ts {
		t.Errorf("envelope = %+v, want %+v", out, in)
	}
	if string(out.Data) != string(in.Data) {
		t.Errorf("data corrupted in transit: %s", out.Data)
	}
}

func TestParseEnvelopeRejectsIncomplete(t *testing.T) {
	for _, raw := range []string{`{}`, `{"kind":"new_message"}`, `{"room":"1"}`, `broken`} {
		if _, err := ParseEnvelope([]byte(raw)); err == nil {
			t.Errorf("accepted envelope %q", raw)
		}
	}
}

func TestBuildDeliveryVerbatim(t *testing.T) {
	env := &Envelope{Kind: KindNewMessage, Room: "42", Data: json.RawMessage(`{"text":"hi"}`), Ts: 99}
	var f ServerFrame
	if err := json.Unmarshal(BuildDelivery(env), &f); err != nil {
		t.Fatalf("delivery not json: %v", err)
	}
	if f.Type != KindNewMessage || f.Room != "42" || f.Ts != 99 {
		t.Errorf("delivery = %+v", f)
	}
	if string(f.Data) != `{"text":"hi"}` {
		t.Errorf("payload not verbatim: %s", f.Data)
	}
}

func TestBuildErrorOmitsDetail(t *testing.T) {
	raw := BuildError(errs.ErrTokenInvalid.WithDetail("hmac mismatch at segment 2"))
	var f ServerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("error frame not json: %v", err)
	}
	if f.Code != errs.TokenInvalidError {
		t.Errorf("code = %d, want %d", f.Code, errs.TokenInvalidError)
	}
	if strings.Contains(string(raw), "hmac") {
		t.Error("error frame leaked verification detail")
	}
}
