package model

import "encoding/json"

// Credentials is the upstream OAuth token material carried per connection and
// per continuation job. ExpiryDate is unix milliseconds, matching the upstream
// token response.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiryDate   int64  `json:"expiryDate,omitempty"`
}

// Connection is one open client connection as the registry sees it. Endpoint
// names the node holding the live socket, so a multi-node deployment can route
// deliveries. NextPage is the resume cursor written on every fan-out.
type Connection struct {
	ID          string      `json:"connectionId"`
	Endpoint    string      `json:"endpoint"`
	Credentials Credentials `json:"credentials"`
	LivechatID  string      `json:"livechatId,omitempty"`
	NextPage    string      `json:"nextPage,omitempty"`
	ExpiresAt   int64       `json:"expiresAt"`
}

// ChatPage is one fetched page of livechat messages, keyed by
// (LivechatID, NextPage). Payload is the upstream response body as returned,
// so clients see the same shape regardless of which node fetched it.
type ChatPage struct {
	LivechatID     string          `json:"livechatId"`
	NextPage       string          `json:"nextPage"`
	RequestAgainAt int64           `json:"requestAgainAt"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      int64           `json:"createdAt"`
}

// ContinuationJob schedules the next page fetch for a room. NotBefore is unix
// milliseconds; the worker never fetches earlier. NextPage must be the cursor
// returned by the previous successful fetch.
type ContinuationJob struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	LivechatID  string      `json:"livechatId"`
	NextPage    string      `json:"nextPage"`
	NotBefore   int64       `json:"notBefore"`
	Credentials Credentials `json:"credentials"`
}

// LazyDelivery is a one-shot "send these bytes to this connection" envelope,
// used when the connection's socket lives on another node.
type LazyDelivery struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId"`
	Endpoint     string          `json:"endpoint"`
	Payload      json.RawMessage `json:"payload"`
}

const (
	JobTypeQueueNextPage = "queueNextPage"
	DeliveryTypeLazy     = "lazy"
)
