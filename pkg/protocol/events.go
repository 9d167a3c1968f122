package protocol

// Event sources. A topic is the (source, event) pair.
const (
	SourceGateway = "gateway"
	SourceAgent   = "agent"
	SourceChannel = "channel"
	SourceCron    = "cron"
)

// Channel lifecycle and inbound events (source "channel").
const (
	EventChannelConnected    = "channel.connected"
	EventChannelDisconnected = "channel.disconnected"
	EventMessageReceived     = "message.received"
)

// Agent run lifecycle events (source "agent").
const (
	EventRunStarted    = "run.started"
	EventRunDelta      = "run.delta"
	EventToolCall      = "tool.call"
	EventToolResult    = "tool.result"
	EventRunCompaction = "run.compaction"
	EventRunCompleted  = "run.completed"
)

// Gateway process events (source "gateway").
const (
	EventShutdown = "shutdown"
)

// Cron events (source "cron").
const (
	EventCronFired = "job.fired"
)

// Topic formats a (source, event) pair the way subscriptions[] lists it.
func Topic(source, event string) string {
	return source + ":" + event
}
