package protocol

// RPC method name constants.

// MethodRegister is the only method accepted before a connection has
// registered a service.
const MethodRegister = "_register"

// Gateway built-in methods.
const (
	MethodHealth = "health"
	MethodStatus = "status"

	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsSetMode = "sessions.setMode"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronEnable = "cron.enable"

	// Pairing
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"

	// Channels
	MethodChannelsStatus = "channels.status"

	// Config
	MethodConfigGet = "config.get"
)

// External LLM provider contract. A provider process registers under the
// service name "llm" and serves completion requests over the same wire.
const (
	ServiceLLM        = "llm"
	MethodLLMComplete = "llm.complete"
)
