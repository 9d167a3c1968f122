package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/channels"
	"github.com/chozzz/vargos-sub004/internal/channels/telegram"
	"github.com/chozzz/vargos-sub004/internal/channels/whatsapp"
	"github.com/chozzz/vargos-sub004/internal/config"
	"github.com/chozzz/vargos-sub004/internal/cron"
	"github.com/chozzz/vargos-sub004/internal/gateway"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/media"
	"github.com/chozzz/vargos-sub004/internal/pipeline"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/internal/store/file"
	"github.com/chozzz/vargos-sub004/internal/store/pg"
	"github.com/chozzz/vargos-sub004/internal/store/sqlite"
	"github.com/chozzz/vargos-sub004/internal/telemetry"
	"github.com/chozzz/vargos-sub004/internal/tools"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (the default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logging.Setup(verbose)

	cfgPath := config.ResolvePath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Error("failed to create data dir", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	pidPath := filepath.Join(dataDir, "vargos.pid")
	if err := writePIDFile(pidPath); err != nil {
		slog.Error("another gateway owns this data dir", "pid_file", pidPath, "error", err)
		os.Exit(1)
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			stopTelemetry(flushCtx)
		}()
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "mode", cfg.Store.Mode, "error", err)
		os.Exit(1)
	}

	workspace := cfg.Agent.Workspace
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("failed to create workspace", "dir", workspace, "error", err)
		os.Exit(1)
	}

	// Gateway core: registry, dispatcher, event bus, WS server.
	registry := gateway.NewRegistry()
	dispatch := gateway.NewDispatcher(registry)
	events := gateway.NewEventBus(registry)
	srv := gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		OutboundQueue:  cfg.Gateway.OutboundQueue,
	}, registry, dispatch, events)

	msgBus := bus.New()

	// Agent loop. Completions ride the dispatcher to whatever service
	// registered as "llm"; run progress goes out as agent events.
	toolsReg := tools.NewRegistry()
	provider := agent.NewRPCProvider(dispatch, cfg.Agent.Model,
		time.Duration(cfg.Agent.LLMTimeoutSec)*time.Second)
	loop := agent.NewLoop(agent.LoopConfig{
		Provider: provider,
		Sessions: stores.Sessions,
		Tools:    toolsReg,
		OnEvent: func(ev agent.Event) {
			events.Publish(protocol.SourceAgent, ev.Name, ev)
		},
		Model:           cfg.Agent.Model,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		Workspace:       workspace,
		MaxIterations:   cfg.Agent.MaxToolIterations,
		MaxMessageChars: cfg.Agent.MaxMessageChars,
		CompactAfter:    cfg.Agent.CompactAfter,
		KeepLast:        cfg.Agent.KeepLast,
	})

	// Session queue. The default mode tracks the live config so a hot
	// reload changes behavior for the next message.
	q := queue.New(loop.Run, func(sessionKey string) queue.Mode {
		mode, err := queue.ParseMode(cfg.QueueModeFor(sessions.Channel(sessionKey)))
		if err != nil {
			return queue.ModeQueue
		}
		return mode
	})

	registerTools(toolsReg, cfg, stores, q, msgBus, workspace)

	// Inbound pipeline: dedupe, debounce, normalize, enqueue.
	pipe := pipeline.New(pipelineConfig(cfg), q, nil)
	go pipe.Run(ctx, msgBus)

	// Channel adapters.
	channelMgr := channels.NewManager(msgBus, events)
	channelMgr.SetPairingStore(stores.Pairing)
	gate := channels.NewPairingGate(stores.Pairing)
	mediaStore := media.NewStore(dataDir)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Config{
			Token:          cfg.Channels.Telegram.Token,
			AllowFrom:      cfg.Channels.Telegram.AllowFrom,
			DMPolicy:       cfg.Channels.Telegram.DMPolicy,
			GroupPolicy:    cfg.Channels.Telegram.GroupPolicy,
			RequireMention: cfg.Channels.Telegram.RequireMention,
			MediaMaxBytes:  cfg.Channels.Telegram.MediaMaxBytes,
		}, gate, mediaStore)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.Register(tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(whatsapp.Config{
			BridgeURL:   cfg.Channels.WhatsApp.BridgeURL,
			AllowFrom:   cfg.Channels.WhatsApp.AllowFrom,
			DMPolicy:    cfg.Channels.WhatsApp.DMPolicy,
			GroupPolicy: cfg.Channels.WhatsApp.GroupPolicy,
		}, gate)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			channelMgr.Register(wa)
			slog.Info("whatsapp channel enabled")
		}
	}

	// Cron scheduler.
	cronSvc := cron.New(stores.Cron, q, msgBus, events)
	go cronSvc.Run(ctx)

	// RPC surface.
	(&gateway.Methods{
		Registry: registry,
		Dispatch: dispatch,
		Queue:    q,
		Sessions: stores.Sessions,
		Config: func() (interface{}, error) {
			return cfg.MaskedCopy(), nil
		},
	}).Register(srv)
	cronSvc.RegisterMethods(srv)
	channelMgr.RegisterMethods(srv)

	// Hot reload: retune the pipeline and push allow-list changes into
	// running adapters. Static fields (listener, store mode) need a
	// restart and Watch leaves them alone.
	go func() {
		err := config.Watch(ctx, cfgPath, cfg, func(c *config.Config) {
			pipe.Retune(pipelineConfig(c))
			if ch, ok := channelMgr.Get("telegram"); ok {
				if al, ok := ch.(interface{ SetAllowList([]string) }); ok {
					al.SetAllowList(c.Channels.Telegram.AllowFrom)
				}
			}
			if ch, ok := channelMgr.Get("whatsapp"); ok {
				if al, ok := ch.(interface{ SetAllowList([]string) }); ok {
					al.SetAllowList(c.Channels.WhatsApp.AllowFrom)
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	// SIGINT/SIGTERM stop the gateway; SIGUSR2 stops it and re-execs
	// the binary in place, so an upgraded build takes over the same PID.
	var reexec atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGUSR2 {
			reexec.Store(true)
		}
		slog.Info("graceful shutdown initiated", "signal", sig.String())

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		channelMgr.StopAll(stopCtx)
		stopCancel()

		cancel()
	}()

	mode := cfg.Store.Mode
	if mode == "" {
		mode = "file"
	}
	slog.Info("vargos gateway starting",
		"version", Version,
		"protocol", protocol.Version,
		"store", mode,
		"tools", len(toolsReg.List()),
		"channels", channelMgr.Names(),
	)

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	q.Wait(drainCtx)
	drainCancel()

	if reexec.Load() {
		os.Remove(pidPath)
		if err := reexecSelf(); err != nil {
			slog.Error("re-exec failed", "error", err)
			os.Exit(1)
		}
	}
}

// openStores builds the persistence backends for the configured mode.
// Memory is always the file-backed JSONL store: recall survives a
// backend switch and needs no schema.
func openStores(cfg *config.Config) (*store.Stores, error) {
	memory, err := file.NewMemoryStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	switch cfg.Store.Mode {
	case "", "file":
		cronStore, err := file.NewCronStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open cron store: %w", err)
		}
		pairingStore, err := file.NewPairingStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open pairing store: %w", err)
		}
		return &store.Stores{
			Sessions: file.NewSessionStore(filepath.Join(cfg.DataDir, "sessions")),
			Cron:     cronStore,
			Pairing:  pairingStore,
			Memory:   memory,
		}, nil
	case "sqlite":
		return sqlite.NewStores(filepath.Join(cfg.DataDir, "vargos.db"), memory)
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return nil, fmt.Errorf("store mode postgres requires VARGOS_POSTGRES_DSN")
		}
		return pg.NewStores(cfg.Store.PostgresDSN, memory)
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		DedupeTTL:     time.Duration(cfg.Inbound.DedupeTTLSec) * time.Second,
		DedupeMaxSize: cfg.Inbound.DedupeMaxSize,
		DebounceDelay: time.Duration(cfg.Inbound.DebounceMs) * time.Millisecond,
		DebounceBatch: cfg.Inbound.DebounceMaxBatch,
	}
}

// writePIDFile records our PID, refusing to start while another live
// gateway owns the data dir. A file left behind by a dead process is
// overwritten.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() {
			if proc, ferr := os.FindProcess(pid); ferr == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("pid %d is still running", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// reexecSelf replaces the process with a fresh copy of the binary,
// keeping arguments and environment. The PID is preserved, so the new
// image rewrites the PID file itself on boot.
func reexecSelf() error {
	bin, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(bin, os.Args, os.Environ())
}
