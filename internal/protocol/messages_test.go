package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"abc-123","text":"Hello! 🎬","client_msg_id":"c1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "abc-123" {
		t.Errorf("expected room_id %q, got %q", "abc-123", sm.RoomID)
	}
	if sm.Text != "Hello! 🎬" {
		t.Errorf("expected text %q, got %q", "Hello! 🎬", sm.Text)
	}
	if sm.ClientMsgID != "c1" {
		t.Errorf("expected client_msg_id %q, got %q", "c1", sm.ClientMsgID)
	}
}

// ---------------------------------------------------------------------------
// Test: receive_message flattens the message fields next to the type
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReceiveMessage(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	payload := ReceiveMessageMsg{Message: Message{
		ID:                "m1",
		RoomID:            "r1",
		SenderID:          "alice",
		SenderDisplayName: "Alice",
		Text:              "hi",
		SentAt:            sentAt,
	}}

	data, err := NewServerMessage(TypeReceiveMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, result["type"])
	}
	for key, want := range map[string]string{
		"id":                  "m1",
		"room_id":             "r1",
		"sender_id":           "alice",
		"sender_display_name": "Alice",
		"text":                "hi",
		"sent_at":             "2026-03-01T12:00:00.123456Z",
	} {
		if result[key] != want {
			t.Errorf("%s: expected %q, got %v", key, want, result[key])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: mutual_match carries the other user and the shared movie title
// ---------------------------------------------------------------------------

func TestNewServerMessage_MutualMatch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMutualMatch, MutualMatchMsg{
		RoomID:           "room-1",
		OtherUser:        UserRef{ID: "bob", DisplayName: "Bob"},
		MovieID:          27205,
		SharedMovieTitle: "Inception",
		Timestamp:        ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MutualMatchMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeMutualMatch {
		t.Errorf("type mismatch: expected %q, got %q", TypeMutualMatch, decoded.Type)
	}
	if decoded.OtherUser.ID != "bob" || decoded.OtherUser.DisplayName != "Bob" {
		t.Errorf("unexpected other_user: %+v", decoded.OtherUser)
	}
	if decoded.SharedMovieTitle != "Inception" {
		t.Errorf("expected shared_movie_title %q, got %q", "Inception", decoded.SharedMovieTitle)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, decoded.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	for _, input := range []string{
		`{"type":"unknown_type","data":"something"}`,
		`{"type":"receive_message","text":"spoof"}`,
	} {
		msgType, msg, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Fatalf("expected an error for %s, got nil", input)
		}
		if msg != nil {
			t.Errorf("expected nil message, got %v", msg)
		}
		if msgType == "" {
			t.Errorf("expected the offending type to be returned")
		}
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"join_room","room_id":42}`))
	if err == nil {
		t.Fatal("expected decode error for numeric room_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_room", `{"type":"join_room","room_id":"r1"}`, TypeJoinRoom},
		{"leave_room", `{"type":"leave_room","room_id":"r1"}`, TypeLeaveRoom},
		{"send_message", `{"type":"send_message","room_id":"r1","text":"hi"}`, TypeSendMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
