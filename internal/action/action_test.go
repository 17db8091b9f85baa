package action

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseIncoming_Commands(t *testing.T) {
	act, err := ParseIncoming([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if _, ok := act.(Ping); !ok {
		t.Fatalf("expected Ping, got %T", act)
	}

	act, err = ParseIncoming([]byte(`{"type":"openLivechat"}`))
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if _, ok := act.(OpenLivechat); !ok {
		t.Fatalf("expected OpenLivechat, got %T", act)
	}

	act, err = ParseIncoming([]byte(`{"type":"requestMoreMessages","payload":{"livechatId":"lc1","nextPage":"p2"}}`))
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	more, ok := act.(RequestMoreMessages)
	if !ok {
		t.Fatalf("expected RequestMoreMessages, got %T", act)
	}
	if more.LivechatID != "lc1" || more.NextPage != "p2" {
		t.Fatalf("unexpected payload: %+v", more)
	}
}

func TestParseIncoming_RequestMoreRequiresLivechatID(t *testing.T) {
	if _, err := ParseIncoming([]byte(`{"type":"requestMoreMessages","payload":{}}`)); err == nil {
		t.Fatal("expected error for missing livechatId")
	}
}

func TestParseIncoming_UnknownType(t *testing.T) {
	_, err := ParseIncoming([]byte(`{"type":"subscribe"}`))
	var unknown *UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCommandError, got %v", err)
	}
	if unknown.Type != "subscribe" {
		t.Fatalf("expected type subscribe, got %q", unknown.Type)
	}
}

func TestParseIncoming_BadJSON(t *testing.T) {
	if _, err := ParseIncoming([]byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMarshal_Shapes(t *testing.T) {
	cases := []struct {
		out      Outgoing
		wantType string
	}{
		{Connected{}, "connected"},
		{Ok{}, "ok"},
		{Pong{}, "pong"},
		{Error{Message: "boom"}, "error"},
		{LivechatNewMessages{Payload: json.RawMessage(`[{"id":"m1"}]`), NextPage: "p2"}, "livechatNewMessages"},
	}
	for _, tc := range cases {
		data, err := Marshal(tc.out)
		if err != nil {
			t.Fatalf("Marshal(%T): %v", tc.out, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode %T: %v", tc.out, err)
		}
		if decoded["type"] != tc.wantType {
			t.Fatalf("expected type %q, got %v", tc.wantType, decoded["type"])
		}
	}
}

func TestMarshal_NewMessagesDefaultsPayload(t *testing.T) {
	data, err := Marshal(LivechatNewMessages{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Payload  []json.RawMessage `json:"payload"`
		NextPage *string           `json:"nextPage"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload == nil || len(decoded.Payload) != 0 {
		t.Fatalf("expected empty payload array, got %v", decoded.Payload)
	}
	if decoded.NextPage != nil {
		t.Fatalf("expected nextPage omitted, got %v", *decoded.NextPage)
	}
}

func TestMarshal_ErrorCarriesMessage(t *testing.T) {
	data, err := Marshal(Error{Message: "unknown action"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Payload struct {
			Message string `json:"message"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.Message != "unknown action" {
		t.Fatalf("expected message, got %q", decoded.Payload.Message)
	}
}
