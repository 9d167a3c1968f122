package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// Message is one turn in a completion request.
type Message struct {
	Role      string         `json:"role"` // system, user, assistant, tool
	Content   string         `json:"content"`
	Images    []ImageContent `json:"images,omitempty"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	ToolID    string         `json:"toolId,omitempty"` // set on role "tool" results
}

// ImageContent is a base64-encoded inline image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// CompletionRequest asks the provider for the next assistant turn.
type CompletionRequest struct {
	Model     string           `json:"model,omitempty"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"maxTokens,omitempty"`
}

// Completion is the provider's answer: text, tool calls, or both.
type Completion struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason string     `json:"stopReason,omitempty"`
}

// DeltaFunc receives streamed assistant text fragments in order.
type DeltaFunc func(text string)

// Provider produces assistant completions. Implementations must honor
// ctx cancellation; onDelta may be nil when the caller does not stream.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest, onDelta DeltaFunc) (*Completion, error)
}

// Caller dispatches an RPC to a registered service. The gateway
// dispatcher satisfies this.
type Caller interface {
	Call(ctx context.Context, target, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

// RPCProvider forwards completion requests to whatever service
// registered under the "llm" name, so model access rides the same wire
// contract as every other service.
type RPCProvider struct {
	caller  Caller
	model   string
	timeout time.Duration
}

// NewRPCProvider builds a provider bound to the llm service. timeout
// bounds each completion call; zero means the dispatcher default.
func NewRPCProvider(caller Caller, model string, timeout time.Duration) *RPCProvider {
	return &RPCProvider{caller: caller, model: model, timeout: timeout}
}

func (p *RPCProvider) Name() string { return protocol.ServiceLLM }

// Complete performs one llm.complete round trip. The wire contract is
// request/response, so streamed deltas collapse into a single fragment
// delivered just before return.
func (p *RPCProvider) Complete(ctx context.Context, req CompletionRequest, onDelta DeltaFunc) (*Completion, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	raw, err := p.caller.Call(ctx, protocol.ServiceLLM, protocol.MethodLLMComplete, req, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("llm complete: %w", err)
	}

	var out Completion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}

	if onDelta != nil && out.Content != "" {
		onDelta(out.Content)
	}
	return &out, nil
}
