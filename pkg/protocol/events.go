package protocol

// WebSocket event names pushed from the gateway to presentation clients.
const (
	EventChat      = "chat"
	EventReply     = "reply"
	EventSent      = "sent"
	EventWarmup    = "warmup"
	EventCommand   = "command"
	EventSignal    = "signal"
	EventAgent     = "agent"
	EventHealth    = "health"
	EventShutdown  = "shutdown"
	EventRulesLoad = "rules.reloaded"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventStarted    = "agent.started"
	AgentEventStopped    = "agent.stopped"
	AgentEventSendReady  = "agent.send_ready"
	AgentEventSendFailed = "agent.send_failed"
)
