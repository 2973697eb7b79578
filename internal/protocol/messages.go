package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeInit      MessageType = "init"
	TypeCancel    MessageType = "cancel"
	TypeConnected MessageType = "connected"
	TypeContent   MessageType = "content"
	TypeCompleted MessageType = "completed"
	TypeError     MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Init opens a relay. The type field is optional on the wire.
type Init struct {
	Type   MessageType    `json:"type,omitempty"`
	URL    string         `json:"url"`
	APIKey string         `json:"api_key"`
	Body   map[string]any `json:"body_obj"`
}

func (m Init) Request() upstream.Request {
	return upstream.Request{URL: m.URL, APIKey: m.APIKey, Body: m.Body}
}

type Cancel struct {
	Type MessageType `json:"type"`
}

type Connected struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"stream_id"`
}

type Content struct {
	Type    MessageType    `json:"type"`
	Index   int            `json:"index"`
	Content string         `json:"content"`
	Status  session.Status `json:"status"`
}

type Completed struct {
	Type   MessageType    `json:"type"`
	Status session.Status `json:"status"`
	Model  string         `json:"model"`
	Usage  session.Usage  `json:"usage"`
}

type Error struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Error  string      `json:"error"`
	Code   string      `json:"code,omitempty"`
}

func NewContent(index int, text string) Content {
	return Content{Type: TypeContent, Index: index, Content: text, Status: session.StatusProcessing}
}

// Terminal builds the single message that ends a push stream.
func Terminal(snap session.Snapshot) any {
	if snap.Status == session.StatusFailed {
		return Error{Type: TypeError, Status: string(session.StatusFailed), Error: snap.Error, Code: "upstream_failure"}
	}
	return Completed{Type: TypeCompleted, Status: snap.Status, Model: snap.Model, Usage: snap.Usage}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Status: string(session.StatusFailed), Error: message, Code: code}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch MessageType(strings.TrimSpace(string(env.Type))) {
	case "", TypeInit:
		var msg Init
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := msg.Request().Validate(); err != nil {
			return nil, fmt.Errorf("invalid init: %w", err)
		}
		msg.Type = TypeInit
		return msg, nil
	case TypeCancel:
		return Cancel{Type: TypeCancel}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type of an outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Connected:
		return m.Type, true
	case Content:
		return m.Type, true
	case Completed:
		return m.Type, true
	case Error:
		return m.Type, true
	default:
		return "", false
	}
}
