package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Frame types. The discriminator is carried in the "type" field.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Frame is the single wire unit. Exactly one of the three variants is
// populated, selected by Type:
//
//	req:   id, target, method, params
//	res:   id, ok, payload | error
//	event: source, event, payload, seq
type Frame struct {
	Type string `json:"type"`

	// Request
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// Event
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}

// Parse decodes and validates a single frame. All failures carry
// PROTOCOL_ERROR; callers close the connection on any parse failure.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, Errorf(CodeProtocolError, "malformed frame: %v", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the discriminated shape of the frame.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return NewError(CodeProtocolError, "request missing id")
		}
		if _, err := uuid.Parse(f.ID); err != nil {
			return Errorf(CodeProtocolError, "request id %q is not a UUID", f.ID)
		}
		if f.Method == "" {
			return NewError(CodeProtocolError, "request missing method")
		}
	case FrameResponse:
		if f.ID == "" {
			return NewError(CodeProtocolError, "response missing id")
		}
		if f.OK == nil {
			return NewError(CodeProtocolError, "response missing ok")
		}
		if !*f.OK && f.Error == nil {
			return NewError(CodeProtocolError, "failed response missing error")
		}
	case FrameEvent:
		if f.Source == "" {
			return NewError(CodeProtocolError, "event missing source")
		}
		if f.Event == "" {
			return NewError(CodeProtocolError, "event missing event name")
		}
	case "":
		return NewError(CodeProtocolError, "frame missing type")
	default:
		return Errorf(CodeProtocolError, "unknown frame type %q", f.Type)
	}
	return nil
}

// Encode serializes the frame back to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NewRequest builds a request frame with a fresh UUID.
func NewRequest(target, method string, params interface{}) (*Frame, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	return &Frame{
		Type:   FrameRequest,
		ID:     uuid.NewString(),
		Target: target,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse builds a success response for a request id.
func NewResponse(id string, payload interface{}) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	ok := true
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id string, err error) *Frame {
	ok := false
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Error: InfoOf(err)}
}

// NewEvent builds an event frame. Seq is assigned by the event bus at
// publish time, not by the producer.
func NewEvent(source, event string, payload interface{}) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	return &Frame{Type: FrameEvent, Source: source, Event: event, Payload: raw}, nil
}

// ServiceRegistration is the params shape of the _register method.
// A service declares the methods it serves, the event names it will
// publish, and the topics it wants delivered.
type ServiceRegistration struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Methods       []string `json:"methods"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Validate checks the registration shape before it reaches the registry.
func (r *ServiceRegistration) Validate() error {
	if r.Service == "" {
		return NewError(CodeValidation, "registration missing service name")
	}
	if strings.ContainsAny(r.Service, " \t\n") {
		return Errorf(CodeValidation, "service name %q contains whitespace", r.Service)
	}
	if r.Version == "" {
		return NewError(CodeValidation, "registration missing version")
	}
	for _, m := range r.Methods {
		if m == "" {
			return NewError(CodeValidation, "registration lists an empty method")
		}
	}
	for _, s := range r.Subscriptions {
		if !strings.Contains(s, ":") {
			return Errorf(CodeValidation, "subscription %q is not source:event", s)
		}
	}
	return nil
}
