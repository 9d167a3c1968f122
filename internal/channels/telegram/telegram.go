// Package telegram adapts the Telegram Bot API (long polling via
// telego) to the channel contract.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/channels"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/media"
)

// stopTimeout bounds the wait for the polling goroutine on Stop.
// Telegram holds a getUpdates lock per token; a new instance cannot
// poll until the old one lets go.
const stopTimeout = 10 * time.Second

// Config is the telegram section of the channels config.
type Config struct {
	Token          string   `json:"token"`
	AllowFrom      []string `json:"allowFrom,omitempty"`
	DMPolicy       string   `json:"dmPolicy,omitempty"`       // pairing (default), allowlist, open, disabled
	GroupPolicy    string   `json:"groupPolicy,omitempty"`    // open (default), allowlist, disabled
	RequireMention *bool    `json:"requireMention,omitempty"` // group mention gate, default true
	MediaMaxBytes  int64    `json:"mediaMaxBytes,omitempty"`
}

// Channel connects to Telegram via Bot API long polling.
type Channel struct {
	*channels.Base
	bot   *telego.Bot
	cfg   Config
	gate  *channels.PairingGate
	media *media.Store
	http  *http.Client
	log   *slog.Logger

	username   string // bot username, for the group mention gate
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. gate and mediaStore are optional; without a
// gate the pairing policy admits nobody, without a media store
// attachments are dropped.
func New(cfg Config, gate *channels.PairingGate, mediaStore *media.Store) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		Base:  channels.NewBase("telegram", cfg.AllowFrom),
		bot:   bot,
		cfg:   cfg,
		gate:  gate,
		media: mediaStore,
		http:  &http.Client{Timeout: 60 * time.Second},
		log:   logging.Scoped("channel.telegram"),
	}, nil
}

// Initialize validates the token and learns the bot identity.
func (c *Channel) Initialize(ctx context.Context) error {
	if c.username != "" {
		return nil
	}
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.username = me.Username
	c.log.Info("telegram bot identified", "username", c.username)
	return nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	c.SetStatus(channels.StatusConnecting)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		c.SetStatus(channels.StatusError)
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetStatus(channels.StatusConnected)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					if pollCtx.Err() == nil {
						c.log.Warn("telegram updates channel closed")
						c.SetStatus(channels.StatusError)
					}
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(stopTimeout):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	c.SetStatus(channels.StatusDisconnected)
	return nil
}

// Send delivers one outbound message: text first, then each media
// attachment. The caller has already chunked long text.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	id := tu.ID(chatID)

	if msg.Content != "" {
		if _, err := c.bot.SendMessage(ctx, tu.Message(id, msg.Content)); err != nil {
			return fmt.Errorf("telegram send message: %w", err)
		}
	}

	for _, att := range msg.Media {
		if att.URL == "" {
			continue
		}
		if err := c.sendAttachment(ctx, id, att); err != nil {
			return fmt.Errorf("telegram send attachment %s: %w", att.URL, err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, id telego.ChatID, att bus.MediaAttachment) error {
	f, err := os.Open(att.URL)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasPrefix(att.ContentType, "image/") {
		params := tu.Photo(id, tu.File(f))
		params.Caption = att.Caption
		_, err = c.bot.SendPhoto(ctx, params)
		return err
	}

	params := tu.Document(id, tu.File(f))
	params.Caption = att.Caption
	_, err = c.bot.SendDocument(ctx, params)
	return err
}

// sendText pushes a plain service message (pairing replies) without
// going through the outbound dispatcher.
func (c *Channel) sendText(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		c.log.Warn("telegram service message failed", "chat", chatID, "error", err)
	}
}
