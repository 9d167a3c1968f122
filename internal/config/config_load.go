package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with every default applied. dataDir-relative
// paths stay empty here; applyDerivedDefaults expands them after load.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         9000,
			RateLimitRPM: 120,
		},
		Agent: AgentConfig{
			RestrictToWorkspace: true,
			MaxToolIterations:   20,
			MaxMessageChars:     32000,
			CompactAfter:        60,
			KeepLast:            4,
			SubagentLimit:       4,
			LLMTimeoutSec:       120,
		},
		Inbound: InboundConfig{
			DedupeTTLSec:     60,
			DedupeMaxSize:    10000,
			DebounceMs:       1500,
			DebounceMaxBatch: 20,
		},
		Store: StoreConfig{
			Mode: "file",
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				FetchMaxChars:    50000,
				SearchMaxResults: 5,
				CacheTTLSec:      900,
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "vargos",
		},
	}
}

// DefaultDataDir returns VARGOS_DATA_DIR or ~/.vargos.
func DefaultDataDir() string {
	if v := os.Getenv("VARGOS_DATA_DIR"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vargos"
	}
	return filepath.Join(home, ".vargos")
}

// CacheDir returns the scratch directory: $XDG_CACHE_HOME/vargos or
// ~/.cache/vargos.
func CacheDir() string {
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return filepath.Join(ExpandHome(v), "vargos")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vargos-cache")
	}
	return filepath.Join(home, ".cache", "vargos")
}

// ResolvePath decides which config file to load: the --config flag,
// then VARGOS_CONFIG, then <dataDir>/config.json.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return ExpandHome(flagValue)
	}
	if v := os.Getenv("VARGOS_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(DefaultDataDir(), "config.json")
}

// Load reads the config file, then overlays env vars. A missing file is
// not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyDerivedDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDerivedDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays VARGOS_* env vars. Env beats file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("VARGOS_DATA_DIR", &c.DataDir)
	envStr("VARGOS_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("VARGOS_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("VARGOS_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("VARGOS_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	// Credentials arriving via env switch the channel on; nobody sets a
	// token for a channel they want off.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("VARGOS_WHATSAPP_BRIDGE_URL") != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	envStr("VARGOS_WORKSPACE", &c.Agent.Workspace)
	envStr("VARGOS_MODEL", &c.Agent.Model)

	envStr("VARGOS_STORE", &c.Store.Mode)
	envStr("VARGOS_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("VARGOS_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("VARGOS_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("VARGOS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VARGOS_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// applyDerivedDefaults fills paths that depend on the data dir.
func (c *Config) applyDerivedDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	c.Agent.Workspace = ExpandHome(c.Agent.Workspace)
}

// ApplyEnvOverrides restores env-supplied values onto the config.
// Callers use it to put runtime secrets back after StripSecrets + Save.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
	c.applyDerivedDefaults()
}

// Save writes the config to disk. Callers strip secrets first and
// re-apply env overrides after; Save itself only serializes.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// StripSecrets zeros every secret field so tokens never persist in the
// config file. Env vars are the home for credentials.
func (c *Config) StripSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels.Telegram.Token = ""
	c.Store.PostgresDSN = ""
}

// MaskedCopy returns a deep copy with secrets replaced by "***".
// config.get serves this to gateway clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return Default()
	}

	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	if cp.Channels.Telegram.Token != "" {
		cp.Channels.Telegram.Token = secretMask
	}
	return cp
}

// Hash returns a short SHA-256 of the config, used to detect change.
func (c *Config) Hash() string {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
