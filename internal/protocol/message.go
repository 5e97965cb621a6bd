// Package protocol defines the messages exchanged between the sync server
// and its clients: websocket frames for subscriptions and the JSON bodies
// of the REST endpoints.
package protocol

import (
	"github.com/goccy/go-json"

	"github.com/zoravur/budgetsync/internal/source"
)

type Type string

const (
	Subscribe    Type = "SUBSCRIBE"
	Subscribed   Type = "SUBSCRIBED"
	Unsubscribe  Type = "UNSUBSCRIBE"
	Unsubscribed Type = "UNSUBSCRIBED"
	Change       Type = "CHANGE"
	Error        Type = "ERROR"
	Ping         Type = "PING"
	Pong         Type = "PONG"
)

// Message is one websocket frame. ID names the subscription, chosen by the
// client when it subscribes.
type Message struct {
	Type  Type                `json:"type"`
	ID    string              `json:"id,omitempty"`
	Table string              `json:"table,omitempty"`
	Event *source.ChangeEvent `json:"event,omitempty"`
	Error string              `json:"error,omitempty"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

// QueryResponse is the body of POST /api/query.
type QueryResponse struct {
	Rows []source.Row `json:"rows"`
}

// WriteRequest is the body of POST /api/tables/{table}/{op}. Only the
// fields the operation needs are read.
type WriteRequest struct {
	Row         source.Row `json:"row,omitempty"`
	MatchColumn string     `json:"matchColumn,omitempty"`
	MatchValue  any        `json:"matchValue,omitempty"`
	OnConflict  string     `json:"onConflict,omitempty"`
}

type WriteResponse struct {
	Row source.Row `json:"row"`
}

// Error codes carried by ErrorResponse.
const (
	CodeBadRequest   = "bad_request"
	CodeUnknownTable = "unknown_table"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
