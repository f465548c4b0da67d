package events

// Internal event names. The Broadcaster subscribes to this catalog;
// producers emit them on the shared Bus.
const (
	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskDeleted = "task:deleted"

	EventScheduleCreated   = "schedule:created"
	EventScheduleDeleted   = "schedule:deleted"
	EventScheduleTriggered = "schedule:triggered"

	EventWorkflowStarted   = "workflow:started"
	EventWorkflowStep      = "workflow:step"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"

	EventStyleChanged         = "style:changed"
	EventCheckpointCreated    = "checkpoint:created"
	EventCheckpointRestored   = "checkpoint:restored"
	EventConversationSwitched = "conversation:switched"

	EventAgentState   = "agent:state"
	EventChatResponse = "chat:response"
	EventChatChunk    = "chat:chunk"

	EventProviderAuthFailed = "provider:auth-failed"
	EventWorkspaceChanged   = "workspace:changed"
)

// Extension push events are re-emitted by the bridge under this prefix,
// one bus event per peer event name.
const ExtensionPrefix = "extension:"

// Peer event names the Broadcaster forwards to clients.
const (
	EventExtensionConnected    = ExtensionPrefix + "connected"
	EventExtensionDisconnected = ExtensionPrefix + "disconnected"
	EventExtensionConsole      = ExtensionPrefix + "console"
	EventExtensionNavigated    = ExtensionPrefix + "navigated"
)

// ExtensionEvent builds the namespaced bus event name for a peer event.
func ExtensionEvent(name string) string {
	return ExtensionPrefix + name
}
