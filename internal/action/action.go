// Package action defines the websocket wire protocol: the commands clients
// send and the actions the server pushes back, each discriminated by a "type"
// tag. Both directions are closed unions; dispatch switches on the concrete
// type so a new command cannot be silently ignored.
package action

import (
	"encoding/json"
	"fmt"
)

// Incoming is a client command.
type Incoming interface{ incoming() }

type Ping struct{}

type OpenLivechat struct{}

// RequestMoreMessages asks for a single fetch from a caller-supplied cursor,
// outside the room's main polling chain.
type RequestMoreMessages struct {
	LivechatID string
	NextPage   string
}

// Stop and Start are part of the client protocol but have no server-side
// effect; they are accepted so older clients do not get error pushes.
type Stop struct{}

type Start struct{}

func (Ping) incoming()                {}
func (OpenLivechat) incoming()        {}
func (RequestMoreMessages) incoming() {}
func (Stop) incoming()                {}
func (Start) incoming()               {}

// UnknownCommandError reports a command whose type tag is not part of the
// protocol. The connection stays open; the client gets an error push.
type UnknownCommandError struct {
	Type string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Type)
}

type incomingEnvelope struct {
	Type    string `json:"type"`
	Payload struct {
		LivechatID string `json:"livechatId"`
		NextPage   string `json:"nextPage"`
	} `json:"payload"`
}

// ParseIncoming decodes one client frame.
func ParseIncoming(data []byte) (Incoming, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch env.Type {
	case "ping":
		return Ping{}, nil
	case "openLivechat":
		return OpenLivechat{}, nil
	case "requestMoreMessages":
		if env.Payload.LivechatID == "" {
			return nil, fmt.Errorf("requestMoreMessages: missing livechatId")
		}
		return RequestMoreMessages{LivechatID: env.Payload.LivechatID, NextPage: env.Payload.NextPage}, nil
	case "stop":
		return Stop{}, nil
	case "start":
		return Start{}, nil
	default:
		return nil, &UnknownCommandError{Type: env.Type}
	}
}

// Outgoing is a server push.
type Outgoing interface{ outgoing() }

type Connected struct{}

type Ok struct{}

type Pong struct{}

// LivechatNewMessages carries one fetched page. Payload is the upstream
// response body; NextPage is the cursor a client can resume from.
type LivechatNewMessages struct {
	Payload  json.RawMessage
	NextPage string
}

type Error struct {
	Message string
}

func (Connected) outgoing()           {}
func (Ok) outgoing()                  {}
func (Pong) outgoing()                {}
func (LivechatNewMessages) outgoing() {}
func (Error) outgoing()               {}

// Marshal encodes one server push. The switch is exhaustive over the Outgoing
// union; an unhandled type is a programming error.
func Marshal(a Outgoing) ([]byte, error) {
	switch v := a.(type) {
	case Connected:
		return json.Marshal(map[string]any{"type": "connected"})
	case Ok:
		return json.Marshal(map[string]any{"type": "ok"})
	case Pong:
		return json.Marshal(map[string]any{"type": "pong"})
	case LivechatNewMessages:
		payload := v.Payload
		if payload == nil {
			payload = json.RawMessage("[]")
		}
		out := map[string]any{"type": "livechatNewMessages", "payload": payload}
		if v.NextPage != "" {
			out["nextPage"] = v.NextPage
		}
		return json.Marshal(out)
	case Error:
		return json.Marshal(map[string]any{"type": "error", "payload": map[string]any{"message": v.Message}})
	default:
		return nil, fmt.Errorf("unhandled outgoing action %T", a)
	}
}
