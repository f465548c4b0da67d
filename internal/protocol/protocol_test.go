package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPeek(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"plain", `{"type":"chat","payload":"hi"}`, "chat", false},
		{"object payload", `{"type":"task-add","payload":{"description":"x"}}`, "task-add", false},
		{"no payload", `{"type":"ping"}`, "ping", false},
		{"missing type", `{"payload":"hi"}`, "", true},
		{"blank type", `{"type":"  "}`, "", true},
		{"not json", `hello`, "", true},
		{"truncated", `{"type":"chat"`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Peek([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Peek(%q): expected error", tt.data)
				}
				var perr *Error
				if !errors.As(err, &perr) {
					t.Errorf("Peek error is %T, want *protocol.Error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Peek(%q): %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("Peek = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKeepsRawPayload(t *testing.T) {
	env, err := Parse([]byte(`{"type":"chat","payload":{"content":"hello"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Type != "chat" {
		t.Errorf("Type = %q", env.Type)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload.Content != "hello" {
		t.Errorf("payload content = %q", payload.Content)
	}
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(TypeStatus, map[string]string{"state": "connected"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var env struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeStatus || env.Payload["state"] != "connected" {
		t.Errorf("roundtrip = %+v", env)
	}
}

func TestMarshalUnserializable(t *testing.T) {
	_, err := Marshal(TypeStatus, map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected error for unserializable payload")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("error is %T, want *protocol.TransportError", err)
	}
}

func TestMarshalOmitsNilPayload(t *testing.T) {
	data, err := Marshal(TypePong, nil)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("Marshal nil payload = %s", data)
	}
}
