package tools

import "context"

// Per-call state travels in ctx rather than in tool fields, keeping
// tool instances safe for parallel execution within one run.

type toolContextKey string

const (
	ctxInvocation toolContextKey = "tool_invocation"
	ctxWorkspace  toolContextKey = "tool_workspace"
)

// Invocation carries the origin of the message that triggered the run.
type Invocation struct {
	SessionKey string
	Channel    string
	ChatID     string
	SenderID   string
}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, ctxInvocation, inv)
}

func InvocationFromCtx(ctx context.Context) Invocation {
	v, _ := ctx.Value(ctxInvocation).(Invocation)
	return v
}

func WithWorkspace(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, dir)
}

func WorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}
