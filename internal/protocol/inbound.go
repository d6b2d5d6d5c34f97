// ABOUTME: Client-to-server message kinds and the frame decoder
// ABOUTME: Inbound is a closed sum type; DecodeInbound validates required fields

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message kinds.
const (
	KindStartSession       = "start_session"
	KindUserMessage        = "user_message"
	KindPermissionResponse = "permission_response"
	KindInterruptSession   = "interrupt_session"
	KindSync               = "sync"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON objects
	// or that miss a required field.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownKind is returned for frames whose type is not an inbound kind.
	ErrUnknownKind = errors.New("unknown message type")
)

// Inbound is a message sent by a client. The set of implementations is closed.
type Inbound interface {
	Kind() string
	inbound()
}

type StartSession struct {
	AgentName string `json:"agentName"`
	Prompt    string `json:"prompt"`
}

type UserMessage struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type PermissionResponse struct {
	SessionID    string         `json:"sessionId"`
	RequestID    string         `json:"requestId"`
	Allow        bool           `json:"allow"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

type InterruptSession struct {
	SessionID string `json:"sessionId"`
}

type Sync struct{}

func (StartSession) Kind() string       { return KindStartSession }
func (UserMessage) Kind() string        { return KindUserMessage }
func (PermissionResponse) Kind() string { return KindPermissionResponse }
func (InterruptSession) Kind() string   { return KindInterruptSession }
func (Sync) Kind() string               { return KindSync }

func (StartSession) inbound()       {}
func (UserMessage) inbound()        {}
func (PermissionResponse) inbound() {}
func (InterruptSession) inbound()   {}
func (Sync) inbound()               {}

// DecodeError describes a frame that could not be decoded. SessionID is set
// when the frame carried one, so the error can be scoped in the reply.
type DecodeError struct {
	Kind      string
	SessionID string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeInbound parses one client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}

	fail := func(err error) (Inbound, error) {
		return nil, &DecodeError{Kind: envelope.Type, SessionID: envelope.SessionID, Err: err}
	}
	missing := func(field string) (Inbound, error) {
		return fail(fmt.Errorf("%w: %s is required", ErrMalformedFrame, field))
	}

	switch envelope.Type {
	case KindStartSession:
		var m StartSession
		if err := json.Unmarshal(data, &m); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		}
		if m.AgentName == "" {
			return missing("agentName")
		}
		return m, nil

	case KindUserMessage:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		}
		if m.SessionID == "" {
			return missing("sessionId")
		}
		return m, nil

	case KindPermissionResponse:
		var wire struct {
			SessionID    string         `json:"sessionId"`
			RequestID    string         `json:"requestId"`
			Allow        *bool          `json:"allow"`
			UpdatedInput map[string]any `json:"updatedInput"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		}
		switch {
		case wire.SessionID == "":
			return missing("sessionId")
		case wire.RequestID == "":
			return missing("requestId")
		case wire.Allow == nil:
			return missing("allow")
		}
		return PermissionResponse{
			SessionID:    wire.SessionID,
			RequestID:    wire.RequestID,
			Allow:        *wire.Allow,
			UpdatedInput: wire.UpdatedInput,
		}, nil

	case KindInterruptSession:
		var m InterruptSession
		if err := json.Unmarshal(data, &m); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		}
		if m.SessionID == "" {
			return missing("sessionId")
		}
		return m, nil

	case KindSync:
		return Sync{}, nil

	case "":
		return missing("type")
	}

	return fail(fmt.Errorf("%w %q", ErrUnknownKind, envelope.Type))
}

// EncodeInbound renders a client message. Used by the CLI client and tests.
func EncodeInbound(m Inbound) ([]byte, error) {
	return withType(m.Kind(), m)
}
