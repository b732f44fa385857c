package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/matching"
)

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestParseCommand_Search(t *testing.T) {
	tests := []struct {
		input   string
		mode    string
		wantErr bool
	}{
		{`{"type":"search","mode":"random"}`, matching.ModeRandom, false},
		{`{"type":"search","mode":"Filtered"}`, matching.ModeFiltered, false},
		{`{"type":"search"}`, matching.ModeRandom, false},
		{`{"type":"search","mode":"vip"}`, "", true},
	}

	for _, tt := range tests {
		cmd, err := ParseCommand([]byte(tt.input))
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCommand(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if tt.wantErr {
			continue
		}
		s, ok := cmd.(Search)
		if !ok {
			t.Fatalf("expected Search, got %T", cmd)
		}
		if s.Mode != tt.mode {
			t.Errorf("mode = %q, want %q", s.Mode, tt.mode)
		}
	}
}

func TestParseCommand_Message(t *testing.T) {
	input := []byte(`{"type":"message","message":{"id":"m1","text":"Hello!"}}`)

	cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := cmd.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", cmd)
	}
	if m.Payload.Kind != chat.KindText {
		t.Errorf("kind defaulted to %q, want text", m.Payload.Kind)
	}
	if m.Payload.Text != "Hello!" || m.Payload.ID != "m1" {
		t.Errorf("unexpected payload %+v", m.Payload)
	}
}

func TestParseCommand_MessageValidation(t *testing.T) {
	inputs := []string{
		`{"type":"message","message":{"id":"m1","text":""}}`,
		`{"type":"message","message":{"id":"m1","kind":"photo"}}`,
		`{"type":"message","message":{"id":"m1","kind":"notice","text":"fake"}}`,
		`{"type":"message","message":{"text":"no id"}}`,
		`{"type":"message","message":{"id":"../m1","text":"odd id"}}`,
	}
	for _, in := range inputs {
		if _, err := ParseCommand([]byte(in)); err == nil {
			t.Errorf("ParseCommand(%s) should fail", in)
		}
	}
}

func TestParseCommand_Media(t *testing.T) {
	input := []byte(`{"type":"message","message":{"id":"m2","kind":"photo","media_ref":"f-1","forwarded":true}}`)
	cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := cmd.(Message)
	if m.Payload.Kind != chat.KindPhoto || !m.Payload.Forwarded || m.Payload.MediaRef != "f-1" {
		t.Errorf("unexpected payload %+v", m.Payload)
	}
}

func TestParseCommand_ReportAndRate(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"report","reason":"Harassment"}`))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if r := cmd.(Report); r.Reason != "harassment" {
		t.Errorf("reason = %q", r.Reason)
	}
	if _, err := ParseCommand([]byte(`{"type":"report","reason":"boring"}`)); err == nil {
		t.Error("unknown report reason should fail")
	}

	cmd, err = ParseCommand([]byte(`{"type":"rate","value":-1}`))
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if r := cmd.(Rate); r.Value != -1 {
		t.Errorf("value = %d", r.Value)
	}
	if _, err := ParseCommand([]byte(`{"type":"rate","value":5}`)); err == nil {
		t.Error("rating out of range should fail")
	}
}

func TestParseCommand_SimpleTypes(t *testing.T) {
	tests := []struct {
		input string
		want  Command
	}{
		{`{"type":"cancel_search"}`, CancelSearch{}},
		{`{"type":"end_chat"}`, EndChat{}},
		{`{"type":"secret_end"}`, SecretEnd{}},
		{`{"type":"rematch"}`, Rematch{}},
		{`{"type":"secret_invite","ttl_seconds":30,"duration_minutes":10}`, SecretInvite{TTLSeconds: 30, DurationMinutes: 10}},
		{`{"type":"action","data":"media_view:m-7"}`, Action{Verb: VerbMediaView, Arg: "m-7"}},
	}

	for _, tt := range tests {
		got, err := ParseCommand([]byte(tt.input))
		if err != nil {
			t.Errorf("ParseCommand(%s): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%s) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestParseCommand_GatewayOnlyTypes(t *testing.T) {
	for _, in := range []string{`{"type":"identify","user_id":"u"}`, `{"type":"ping"}`, `{"type":"disconnect"}`, `{"type":"deliver"}`} {
		_, err := ParseCommand([]byte(in))
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("ParseCommand(%s) error = %v, want ErrUnknownType", in, err)
		}
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	if _, err := ParseCommand([]byte(`{"mode":"random"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	if _, err := ParseCommand([]byte(`{not json}`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func TestParseAction(t *testing.T) {
	tests := []struct {
		data    string
		want    Action
		wantErr bool
	}{
		{"secret_accept", Action{Verb: VerbSecretAccept}, false},
		{"secret_decline", Action{Verb: VerbSecretDecline}, false},
		{"rematch", Action{Verb: VerbRematch}, false},
		{"media_send:abc_123", Action{Verb: VerbMediaSend, Arg: "abc_123"}, false},
		{"search:filtered", Action{Verb: VerbSearch, Arg: matching.ModeFiltered}, false},
		{"", Action{}, true},
		{"secret_accept:extra", Action{}, true},
		{"media_send:", Action{}, true},
		{"media_send:bad id", Action{}, true},
		{"media_send:" + strings.Repeat("a", 41), Action{}, true},
		{"search:vip", Action{}, true},
		{"drop_table", Action{}, true},
		{strings.Repeat("x", MaxActionBytes+1), Action{}, true},
	}

	for _, tt := range tests {
		got, err := ParseAction(tt.data)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAction(%q) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAction) {
				t.Errorf("ParseAction(%q) error should wrap ErrInvalidAction", tt.data)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %+v, want %+v", tt.data, got, tt.want)
		}
		if got.String() != tt.data {
			t.Errorf("String() = %q, want %q", got.String(), tt.data)
		}
	}
}

func TestNewAction_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewAction with a bad argument should panic")
		}
	}()
	NewAction(VerbMediaSend, "has space")
}

// ---------------------------------------------------------------------------
// Server frames and inbound envelope
// ---------------------------------------------------------------------------

func TestNewServerMessage_Deliver(t *testing.T) {
	data, err := NewServerMessage(TypeDeliver, DeliverMsg{
		MessageID: "x1",
		Message:   chat.Notice("hello", chat.Button{Label: "Go", Action: "search:random"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Type      string        `json:"type"`
		MessageID string        `json:"message_id"`
		Message   chat.Outbound `json:"message"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != TypeDeliver || out.MessageID != "x1" {
		t.Errorf("unexpected header %+v", out)
	}
	if len(out.Message.Buttons) != 1 || out.Message.Buttons[0].Action != "search:random" {
		t.Errorf("buttons lost: %+v", out.Message.Buttons)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("got %s", data)
	}
}

func TestInbound_Command(t *testing.T) {
	in := Inbound{UserID: "u1", Disconnect: true}
	cmd, err := in.Command()
	if err != nil || cmd != (Disconnect{}) {
		t.Fatalf("disconnect inbound decoded to %#v, %v", cmd, err)
	}

	in = Inbound{UserID: "u1", Frame: json.RawMessage(`{"type":"end_chat"}`)}
	cmd, err = in.Command()
	if err != nil || cmd != (EndChat{}) {
		t.Fatalf("frame inbound decoded to %#v, %v", cmd, err)
	}
}

func TestParseIdentify(t *testing.T) {
	m, err := ParseIdentify([]byte(`{"type":"identify","token":"t.o.k","user_id":"42"}`))
	if err != nil || m.Token != "t.o.k" || m.UserID != "42" {
		t.Fatalf("ParseIdentify = %+v, %v", m, err)
	}
	if m, err := ParseIdentify([]byte(`{"type":"identify","token":"t.o.k"}`)); err != nil || m.UserID != "" {
		t.Errorf("token alone: %+v, %v", m, err)
	}

	bad := []string{
		`{"type":"identify","user_id":"42"}`,
		`{"type":"identify"}`,
		`{"type":"identify","token":"t","user_id":"` + strings.Repeat("x", 65) + `"}`,
		`{"type":"identify","token":`,
	}
	for _, in := range bad {
		if _, err := ParseIdentify([]byte(in)); err == nil {
			t.Errorf("ParseIdentify(%s) should fail", in)
		}
	}
}

func TestName(t *testing.T) {
	if Name(Action{Verb: VerbRematch}) != "action:rematch" {
		t.Error("action name should include verb")
	}
	if Name(Search{}) != TypeSearch {
		t.Error("search name mismatch")
	}
}
