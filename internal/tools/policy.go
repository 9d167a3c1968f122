package tools

import "github.com/chozzz/vargos-sub004/pkg/protocol"

// Session-introspection tools are withheld from subagent runs: a
// spawned worker must not enumerate, read, or message other sessions,
// nor spawn further workers.
var subagentDenyList = map[string]bool{
	"sessions_list":    true,
	"sessions_history": true,
	"sessions_send":    true,
	"sessions_spawn":   true,
}

// DeniedForSubagent reports whether a tool is blocked in subagent runs.
func DeniedForSubagent(name string) bool {
	return subagentDenyList[name]
}

// Forbidden is the result for a denied tool call. The tool is never
// invoked; the run continues with this error fed back to the model.
func Forbidden(name string) *Result {
	err := protocol.Errorf(protocol.CodeToolForbidden, "tool %s is not available in this session", name)
	return &Result{ForLLM: err.Error(), IsError: true, Err: err}
}
