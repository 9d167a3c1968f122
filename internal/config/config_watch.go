package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chozzz/vargos-sub004/internal/logging"
)

// watchSettle absorbs editor write bursts (truncate+write, rename
// swaps) so each save reloads once.
const watchSettle = 250 * time.Millisecond

// Watch re-reads the config file whenever it changes and applies the
// dynamic subset onto cfg: channel policies and allow-lists, queue
// modes, dedupe/debounce tuning. Static fields (bind address, store
// mode, channel on/off) are logged and left untouched. onApply, if
// non-nil, runs after each successful reload so the caller can push the
// new values into live components. Blocks until ctx is done.
func Watch(ctx context.Context, path string, cfg *Config, onApply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and Save replace the
	// file by rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := logging.Scoped("config")
	base := filepath.Base(path)

	var settle *time.Timer
	reloads := make(chan struct{}, 1)
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(watchSettle, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)

		case <-reloads:
			next, err := Load(path)
			if err != nil {
				log.Warn("config reload failed, keeping current", "error", err)
				continue
			}
			ignored := cfg.applyDynamic(next)
			for _, field := range ignored {
				log.Warn("config change requires restart, ignored", "field", field)
			}
			log.Info("config reloaded", "hash", cfg.Hash())
			if onApply != nil {
				onApply(cfg)
			}
		}
	}
}

// applyDynamic copies the hot-reloadable fields from next and reports
// which changed static fields were ignored.
func (c *Config) applyDynamic(next *Config) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ignored []string
	staticChanged := func(name string, old, new interface{}) {
		if fmt.Sprint(old) != fmt.Sprint(new) {
			ignored = append(ignored, name)
		}
	}

	staticChanged("dataDir", c.DataDir, next.DataDir)
	staticChanged("gateway.host", c.Gateway.Host, next.Gateway.Host)
	staticChanged("gateway.port", c.Gateway.Port, next.Gateway.Port)
	staticChanged("gateway.rateLimitRpm", c.Gateway.RateLimitRPM, next.Gateway.RateLimitRPM)
	staticChanged("store.mode", c.Store.Mode, next.Store.Mode)
	staticChanged("channels.telegram.enabled", c.Channels.Telegram.Enabled, next.Channels.Telegram.Enabled)
	staticChanged("channels.whatsapp.enabled", c.Channels.WhatsApp.Enabled, next.Channels.WhatsApp.Enabled)
	staticChanged("telemetry.enabled", c.Telemetry.Enabled, next.Telemetry.Enabled)

	// Channel policies and allow-lists.
	tg := &c.Channels.Telegram
	tg.AllowFrom = next.Channels.Telegram.AllowFrom
	tg.DMPolicy = next.Channels.Telegram.DMPolicy
	tg.GroupPolicy = next.Channels.Telegram.GroupPolicy
	tg.RequireMention = next.Channels.Telegram.RequireMention
	tg.MediaMaxBytes = next.Channels.Telegram.MediaMaxBytes
	tg.QueueMode = next.Channels.Telegram.QueueMode

	wa := &c.Channels.WhatsApp
	wa.AllowFrom = next.Channels.WhatsApp.AllowFrom
	wa.DMPolicy = next.Channels.WhatsApp.DMPolicy
	wa.GroupPolicy = next.Channels.WhatsApp.GroupPolicy
	wa.QueueMode = next.Channels.WhatsApp.QueueMode

	// Queue mode default and inbound tuning.
	c.Queue = next.Queue
	c.Inbound = next.Inbound

	return ignored
}
