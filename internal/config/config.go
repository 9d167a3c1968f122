// Package config owns the vargos configuration file: JSON5 on disk,
// VARGOS_* env overrides on top, and hot reload of the dynamic subset
// while the gateway runs.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["123"] and [123] in config files.
// Telegram user ids are numeric and people paste them unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the vargos gateway.
type Config struct {
	DataDir   string          `json:"dataDir,omitempty"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Inbound   InboundConfig   `json:"inbound,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig controls the WebSocket listener. Host and port are
// static: changing them in a running gateway requires a restart.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`           // default 127.0.0.1
	Port           int      `json:"port,omitempty"`           // default 9000
	RateLimitRPM   int      `json:"rateLimitRpm,omitempty"`   // per-connection request budget, 0 = unlimited
	AllowedOrigins []string `json:"allowedOrigins,omitempty"` // browser Origin allow-list, empty = non-browser only
	OutboundQueue  int      `json:"outboundQueue,omitempty"`  // per-connection send buffer, default 256
}

// AgentConfig tunes the run loop. The model is advisory: the llm
// service decides what it actually serves.
type AgentConfig struct {
	Workspace           string `json:"workspace,omitempty"` // default <dataDir>/workspace
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
	Model               string `json:"model,omitempty"`
	SystemPrompt        string `json:"systemPrompt,omitempty"`
	MaxToolIterations   int    `json:"maxToolIterations,omitempty"` // default 20
	MaxMessageChars     int    `json:"maxMessageChars,omitempty"`   // default 32000
	CompactAfter        int    `json:"compactAfter,omitempty"`      // history length triggering compaction, default 60
	KeepLast            int    `json:"keepLast,omitempty"`          // messages kept after compaction, default 4
	SubagentLimit       int    `json:"subagentLimit,omitempty"`     // concurrent subagent cap, default 4
	LLMTimeoutSec       int    `json:"llmTimeoutSec,omitempty"`     // per-completion timeout, default 120
}

// ChannelsConfig holds the messaging adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

// TelegramConfig configures the Telegram adapter. The token comes from
// VARGOS_TELEGRAM_TOKEN or the file; Save strips it before writing.
type TelegramConfig struct {
	Enabled        bool                `json:"enabled,omitempty"`
	Token          string              `json:"token,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy       string              `json:"dmPolicy,omitempty"`       // pairing (default), allowlist, open, disabled
	GroupPolicy    string              `json:"groupPolicy,omitempty"`    // open (default), allowlist, disabled
	RequireMention *bool               `json:"requireMention,omitempty"` // group mention gate, default true
	MediaMaxBytes  int64               `json:"mediaMaxBytes,omitempty"`
	QueueMode      string              `json:"queueMode,omitempty"` // queue | interrupt | replace
}

// WhatsAppConfig configures the WhatsApp bridge adapter.
type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled,omitempty"`
	BridgeURL   string              `json:"bridgeUrl,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy    string              `json:"dmPolicy,omitempty"`
	GroupPolicy string              `json:"groupPolicy,omitempty"`
	QueueMode   string              `json:"queueMode,omitempty"`
}

// QueueConfig sets the session-queue default when neither a per-session
// override nor a channel queueMode applies.
type QueueConfig struct {
	DefaultMode string `json:"defaultMode,omitempty"` // queue (default) | interrupt | replace
}

// InboundConfig tunes the dedupe cache and debouncer. All fields are
// hot-reloadable.
type InboundConfig struct {
	DedupeTTLSec     int `json:"dedupeTtlSec,omitempty"`     // default 60
	DedupeMaxSize    int `json:"dedupeMaxSize,omitempty"`    // default 10000
	DebounceMs       int `json:"debounceMs,omitempty"`       // default 1500
	DebounceMaxBatch int `json:"debounceMaxBatch,omitempty"` // default 20
}

// StoreConfig selects the persistence backend. Mode is static.
// The DSN comes from VARGOS_POSTGRES_DSN only and never touches disk.
type StoreConfig struct {
	Mode        string `json:"mode,omitempty"` // file (default), sqlite, postgres
	PostgresDSN string `json:"-"`
}

// ToolsConfig tunes the built-in tools.
type ToolsConfig struct {
	Web WebToolsConfig `json:"web,omitempty"`
}

// WebToolsConfig tunes web_fetch and web_search.
type WebToolsConfig struct {
	FetchMaxChars    int `json:"fetchMaxChars,omitempty"`    // default 50000
	SearchMaxResults int `json:"searchMaxResults,omitempty"` // default 5
	CacheTTLSec      int `json:"cacheTtlSec,omitempty"`      // default 900
}

// TelemetryConfig configures the optional OTLP trace exporter. Off by
// default; when disabled no tracer is installed.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`    // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`    // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`    // plaintext export, local collectors
	ServiceName string            `json:"serviceName,omitempty"` // default "vargos"
	Headers     map[string]string `json:"headers,omitempty"`     // auth headers for hosted backends
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DataDir = src.DataDir
	c.Gateway = src.Gateway
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Queue = src.Queue
	c.Inbound = src.Inbound
	c.Store = src.Store
	c.Tools = src.Tools
	c.Telemetry = src.Telemetry
}

// QueueModeFor resolves the configured queue mode for a session key:
// the channel's queueMode when the key belongs to a channel, else the
// global default, else "queue". Safe to call from the queue's
// default-mode hook during hot reload.
func (c *Config) QueueModeFor(channel string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch channel {
	case "telegram":
		if c.Channels.Telegram.QueueMode != "" {
			return c.Channels.Telegram.QueueMode
		}
	case "whatsapp":
		if c.Channels.WhatsApp.QueueMode != "" {
			return c.Channels.WhatsApp.QueueMode
		}
	}
	if c.Queue.DefaultMode != "" {
		return c.Queue.DefaultMode
	}
	return "queue"
}
