// Package sessions holds session identity and metadata.
//
// Session keys have the shape:
//
//	<kind-or-channel>:<identifier>
//
// Examples:
//
//	whatsapp:61423000000
//	telegram:386246614
//	cli:chat
//	agent:task1
//	cron:morning-brief
//	whatsapp:61423000000:subagent:research
package sessions

import (
	"fmt"
	"strings"
)

// Kind classifies a session by its key prefix.
type Kind string

const (
	KindCLI      Kind = "cli"
	KindChannel  Kind = "channel"
	KindSubagent Kind = "subagent"
	KindCron     Kind = "cron"
)

// NormalizeIdentifier canonicalizes a sender identifier before it becomes
// part of a session key: trims whitespace and strips the leading "+" that
// phone-number formats carry.
func NormalizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	return strings.TrimPrefix(id, "+")
}

// BuildKey returns the canonical session key for a channel conversation.
func BuildKey(channel, identifier string) string {
	return fmt.Sprintf("%s:%s", channel, NormalizeIdentifier(identifier))
}

// BuildSubagentKey derives a subagent session key from its parent.
func BuildSubagentKey(parentKey, label string) string {
	return fmt.Sprintf("%s:subagent:%s", parentKey, label)
}

// BuildCronKey returns the session key for a cron job's runs.
func BuildCronKey(jobID string) string {
	return fmt.Sprintf("cron:%s", jobID)
}

// Split returns the kind-or-channel prefix and the remainder of a key.
// Keys without a colon come back as (key, "").
func Split(key string) (prefix, rest string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// IsSubagent reports whether a key identifies a subagent session.
// Three shapes count: "agent:*" keys, "*:subagent:*" keys, and any key
// containing the token "subagent".
func IsSubagent(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "agent:") {
		return true
	}
	if strings.Contains(lower, ":subagent:") {
		return true
	}
	return strings.Contains(lower, "subagent")
}

// KindOf classifies a session key.
func KindOf(key string) Kind {
	if IsSubagent(key) {
		return KindSubagent
	}
	prefix, _ := Split(key)
	switch prefix {
	case "cli":
		return KindCLI
	case "cron":
		return KindCron
	default:
		return KindChannel
	}
}

// Channel returns the channel name for channel-kind keys, "" otherwise.
func Channel(key string) string {
	if KindOf(key) != KindChannel {
		return ""
	}
	prefix, _ := Split(key)
	return prefix
}
