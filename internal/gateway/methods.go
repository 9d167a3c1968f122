package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// Methods serves the gateway's own RPC surface: health, status, chat
// and session management. Subsystems with their own methods (cron,
// channels, pairing) register theirs directly on the Server.
type Methods struct {
	Registry *Registry
	Dispatch *Dispatcher
	Queue    *queue.Queue
	Sessions store.SessionStore

	// Config returns the redacted config snapshot for config.get.
	// Nil leaves the method answering SERVICE_UNAVAILABLE.
	Config func() (interface{}, error)

	started time.Time
}

// Register wires every method onto the server.
func (m *Methods) Register(srv *Server) {
	m.started = time.Now()
	srv.Handle(protocol.MethodHealth, m.handleHealth)
	srv.Handle(protocol.MethodStatus, m.handleStatus)
	srv.Handle(protocol.MethodChatSend, m.handleChatSend)
	srv.Handle(protocol.MethodChatAbort, m.handleChatAbort)
	srv.Handle(protocol.MethodSessionsList, m.handleSessionsList)
	srv.Handle(protocol.MethodSessionsHistory, m.handleSessionsHistory)
	srv.Handle(protocol.MethodSessionsDelete, m.handleSessionsDelete)
	srv.Handle(protocol.MethodSessionsSetMode, m.handleSessionsSetMode)
	srv.Handle(protocol.MethodConfigGet, m.handleConfigGet)
}

func (m *Methods) handleHealth(context.Context, *Conn, json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "ok", "protocol": protocol.Version}, nil
}

func (m *Methods) handleStatus(context.Context, *Conn, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"protocol":       protocol.Version,
		"uptimeSeconds":  int(time.Since(m.started).Seconds()),
		"services":       m.Registry.List(),
		"pendingCalls":   m.Dispatch.PendingCount(),
		"activeSessions": m.Queue.Active(),
	}, nil
}

// handleChatSend admits the message and answers immediately; progress
// and the final text arrive as agent events on the bus.
func (m *Methods) handleChatSend(ctx context.Context, _ *Conn, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string   `json:"sessionKey"`
		Message    string   `json:"message"`
		Channel    string   `json:"channel,omitempty"`
		ChatID     string   `json:"chatId,omitempty"`
		SenderID   string   `json:"senderId,omitempty"`
		Media      []string `json:"media,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "malformed params: %v", err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "sessionKey is required")
	}
	if p.Message == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "message is required")
	}

	channel := p.Channel
	if channel == "" {
		channel = "rpc"
	}
	req := agent.RunRequest{
		SessionKey: p.SessionKey,
		RunID:      uuid.NewString(),
		Message:    p.Message,
		Media:      p.Media,
		Channel:    channel,
		ChatID:     p.ChatID,
		SenderID:   p.SenderID,
	}

	out := m.Queue.Enqueue(ctx, req)
	go func() { <-out }()

	return map[string]string{"runId": req.RunID, "sessionKey": p.SessionKey}, nil
}

func (m *Methods) handleChatAbort(_ context.Context, _ *Conn, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "malformed params: %v", err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "sessionKey is required")
	}
	return map[string]bool{"aborted": m.Queue.Abort(p.SessionKey)}, nil
}

func (m *Methods) handleSessionsList(context.Context, *Conn, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"sessions": m.Sessions.List()}, nil
}

func (m *Methods) handleSessionsHistory(_ context.Context, _ *Conn, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "malformed params: %v", err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "sessionKey is required")
	}

	msgs := m.Sessions.GetHistory(p.SessionKey)
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	return map[string]interface{}{"sessionKey": p.SessionKey, "messages": msgs}, nil
}

// handleSessionsDelete aborts any in-flight run first so a worker
// cannot resurrect the session by flushing its transcript afterwards.
func (m *Methods) handleSessionsDelete(_ context.Context, _ *Conn, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "malformed params: %v", err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "sessionKey is required")
	}

	m.Queue.Abort(p.SessionKey)
	if err := m.Sessions.Delete(p.SessionKey); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "delete session: %v", err)
	}
	return map[string]bool{"deleted": true}, nil
}

func (m *Methods) handleSessionsSetMode(_ context.Context, _ *Conn, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Mode       string `json:"mode"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "malformed params: %v", err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "sessionKey is required")
	}
	mode, err := queue.ParseMode(p.Mode)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "%v", err)
	}
	m.Queue.SetMode(p.SessionKey, mode)
	return map[string]string{"sessionKey": p.SessionKey, "mode": string(mode)}, nil
}

func (m *Methods) handleConfigGet(context.Context, *Conn, json.RawMessage) (interface{}, error) {
	if m.Config == nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "config is not available")
	}
	cfg, err := m.Config()
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "config snapshot: %v", err)
	}
	return cfg, nil
}
