package bus

import (
	"context"
	"time"
)

// InputType classifies a normalized inbound message.
type InputType string

const (
	InputText  InputType = "text"
	InputImage InputType = "image"
	InputVoice InputType = "voice"
	InputFile  InputType = "file"
	InputVideo InputType = "video"
)

// Source identifies where a normalized input came from.
type Source struct {
	Channel    string `json:"channel"`
	UserID     string `json:"userId"`
	SessionKey string `json:"sessionKey"`
}

// NormalizedInput is the channel-agnostic form every inbound message is
// reduced to before it reaches the session queue.
type NormalizedInput struct {
	Type      InputType         `json:"type"`
	Content   string            `json:"content"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Source    Source            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// InboundMessage is a raw message handed off by a channel adapter, before
// dedupe/debounce/normalization.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	Media       []string          `json:"media,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Kind        InputType         `json:"kind,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to deliver through a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file to send with an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is an in-process event mirrored onto the wire by the gateway.
type Event struct {
	Source  string      `json:"source"`
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The gateway
// server and the agent runtime share one implementation without either
// holding a concrete reference to the other.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter routes inbound/outbound messages between channel adapters
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
