package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/channels"
	"github.com/chozzz/vargos-sub004/internal/sessions"
)

// handleMessage applies the access gates and forwards one update as an
// inbound message. Policy runs before media download so rejected
// senders cost nothing.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || isServiceMessage(message) {
		return
	}

	user := message.From
	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	c.log.Debug("message received",
		"chat", chatID, "sender", senderID, "group", isGroup,
		"preview", channels.Truncate(message.Text, 60))

	if isGroup {
		if !c.groupAdmitted(message, userID, senderID) {
			return
		}
	} else if !c.dmAdmitted(ctx, message.Chat.ID, userID, senderID) {
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	// Group sessions are chat-scoped; the sender is named inline so
	// the model knows who is talking.
	inboundSender := userID
	if isGroup {
		inboundSender = chatID
		label := user.FirstName
		if user.Username != "" {
			label = "@" + user.Username
		}
		content = "[From: " + label + "]\n" + content
	}

	sessionKey := sessions.BuildKey(c.Name(), inboundSender)
	paths, kind := c.resolveMedia(ctx, message, sessionKey)

	if content == "" && len(paths) == 0 {
		return
	}

	c.Forward(bus.InboundMessage{
		SenderID:    inboundSender,
		ChatID:      chatID,
		Content:     content,
		Media:       paths,
		Fingerprint: chatID + ":" + strconv.Itoa(message.MessageID),
		Kind:        kind,
		Metadata:    map[string]string{"messageId": strconv.Itoa(message.MessageID)},
	})
}

// dmAdmitted applies the DM policy. Pairing is the default: unknown
// senders get a code instead of reaching the agent.
func (c *Channel) dmAdmitted(ctx context.Context, chatID int64, userID, senderID string) bool {
	policy := c.cfg.DMPolicy
	if policy == "" {
		policy = string(channels.DMPolicyPairing)
	}

	switch channels.DMPolicy(policy) {
	case channels.DMPolicyDisabled:
		return false
	case channels.DMPolicyOpen:
		return true
	case channels.DMPolicyAllowlist:
		if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
			c.log.Debug("sender rejected by allow-list", "sender", senderID)
			return false
		}
		return true
	default: // pairing
		paired := c.gate.Paired(c.Name(), userID)
		inList := len(c.AllowList()) > 0 && (c.IsAllowed(userID) || c.IsAllowed(senderID))
		if paired || inList {
			return true
		}
		if reply := c.gate.Request(c.Name(), userID, strconv.FormatInt(chatID, 10)); reply != "" {
			c.sendText(ctx, chatID, reply)
		}
		return false
	}
}

// groupAdmitted applies the group policy and the mention gate. In
// groups the bot only answers when addressed.
func (c *Channel) groupAdmitted(message *telego.Message, userID, senderID string) bool {
	policy := c.cfg.GroupPolicy
	if policy == "" {
		policy = string(channels.DMPolicyOpen)
	}

	switch channels.DMPolicy(policy) {
	case channels.DMPolicyDisabled:
		c.log.Debug("group message rejected, groups disabled", "chat", message.Chat.ID)
		return false
	case channels.DMPolicyAllowlist:
		if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
			c.log.Debug("group sender rejected by allow-list", "sender", senderID)
			return false
		}
	}

	requireMention := true
	if c.cfg.RequireMention != nil {
		requireMention = *c.cfg.RequireMention
	}
	if requireMention && !c.mentioned(message) {
		c.log.Debug("group message without mention skipped", "chat", message.Chat.ID)
		return false
	}
	return true
}

// mentioned reports whether the message addresses the bot: an
// @username entity, a text_mention of the bot, or a reply to one of
// the bot's messages.
func (c *Channel) mentioned(message *telego.Message) bool {
	if c.username == "" {
		return false
	}
	tag := "@" + c.username

	if strings.Contains(message.Text, tag) || strings.Contains(message.Caption, tag) {
		return true
	}

	for _, e := range message.Entities {
		if e.Type == "text_mention" && e.User != nil && e.User.Username == c.username {
			return true
		}
	}

	if reply := message.ReplyToMessage; reply != nil && reply.From != nil {
		return reply.From.Username == c.username
	}
	return false
}

// isServiceMessage filters member-change and chat-management updates.
// Anything with text, a caption or media is a user message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Voice != nil ||
		msg.Video != nil || msg.VideoNote != nil || msg.Document != nil ||
		msg.Sticker != nil || msg.Animation != nil {
		return false
	}
	return true
}
