package cmd

import (
	"log/slog"
	"time"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/config"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/internal/tools"
)

// registerTools wires every built-in tool into the registry. The
// registry rejects duplicate names, so a failed registration here is a
// wiring bug worth a log line, not a fatal.
func registerTools(reg *tools.Registry, cfg *config.Config, stores *store.Stores, q *queue.Queue, router bus.MessageRouter, workspace string) {
	restrict := cfg.Agent.RestrictToWorkspace
	webCacheTTL := time.Duration(cfg.Tools.Web.CacheTTLSec) * time.Second

	all := []tools.Tool{
		tools.NewFileReadTool(workspace, restrict),
		tools.NewFileWriteTool(workspace, restrict),
		tools.NewFileListTool(workspace, restrict),
		tools.NewShellExecTool(workspace, restrict),
		tools.NewMemorySaveTool(stores.Memory),
		tools.NewMemorySearchTool(stores.Memory),
		tools.NewCronAddTool(stores.Cron),
		tools.NewCronListTool(stores.Cron),
		tools.NewSessionsListTool(stores.Sessions),
		tools.NewSessionsHistoryTool(stores.Sessions),
		tools.NewSessionsSendTool(stores.Sessions, router),
		tools.NewSessionsSpawnTool(q, router, int64(cfg.Agent.SubagentLimit)),
		tools.NewWebFetchTool(tools.WebFetchConfig{
			MaxChars: cfg.Tools.Web.FetchMaxChars,
			CacheTTL: webCacheTTL,
		}),
		tools.NewWebSearchTool(tools.WebSearchConfig{
			MaxResults: cfg.Tools.Web.SearchMaxResults,
			CacheTTL:   webCacheTTL,
		}),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			slog.Warn("tool registration failed", "tool", t.Name(), "error", err)
		}
	}
}
