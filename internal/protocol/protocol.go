// Package protocol defines the client-facing wire format: a JSON
// envelope {type, payload} in both directions, plus the message-type
// catalog shared by the dispatcher, the broadcaster, and the web layer.
package protocol

import (
	"encoding/json"
	"strings"
)

// Client -> server message types.
const (
	TypeChat               = "chat"
	TypeChatCancel         = "chat-cancel"
	TypeNewConversation    = "new-conversation"
	TypeSwitchConversation = "switch-conversation"
	TypeListConversations  = "list-conversations"
	TypeDeleteConversation = "delete-conversation"
	TypeRenameConversation = "rename-conversation"
	TypeHistory            = "history"
	TypeTaskAdd            = "task-add"
	TypeTaskUpdate         = "task-update"
	TypeTaskDelete         = "task-delete"
	TypeTaskList           = "task-list"
	TypeScheduleAdd        = "schedule-add"
	TypeScheduleDelete     = "schedule-delete"
	TypeScheduleList       = "schedule-list"
	TypeCheckpointCreate   = "checkpoint-create"
	TypeCheckpointRestore  = "checkpoint-restore"
	TypeSetStyle           = "set-style"
	TypeLoopStart          = "loop-start"
	TypeLoopStop           = "loop-stop"
	TypeExtensionCommand   = "extension-command"
	TypeScreenshot         = "screenshot"
	TypeWorkspaceFiles     = "workspace-files"
	TypeSyncStatus         = "sync-status"
	TypePing               = "ping"
)

// Server -> client message types. Snapshot items reuse the query names
// (history, tasks, sync-status) so a reply and a pushed refresh look the
// same to the client.
const (
	TypeStatus              = "status"
	TypeError               = "error"
	TypeAuthError           = "auth-error"
	TypePong                = "pong"
	TypeChatResponse        = "chat-response"
	TypeChatChunk           = "chat-chunk"
	TypeChatCancelled       = "chat-cancelled"
	TypeConversations       = "conversations"
	TypeConversationSwitch  = "conversation-switched"
	TypeWorkspaceStatus     = "workspace-status"
	TypeLoopState           = "loop-state"
	TypeTasks               = "tasks"
	TypeTaskCreated         = "task-created"
	TypeTaskUpdated         = "task-updated"
	TypeTaskDeleted         = "task-deleted"
	TypeSchedules           = "schedules"
	TypeScheduleCreated     = "schedule-created"
	TypeScheduleDeleted     = "schedule-deleted"
	TypeScheduleTriggered   = "schedule-triggered"
	TypeWorkflowStarted     = "workflow-started"
	TypeWorkflowStep        = "workflow-step"
	TypeWorkflowCompleted   = "workflow-completed"
	TypeWorkflowFailed      = "workflow-failed"
	TypeStyleChanged        = "style-changed"
	TypeCheckpointCreated   = "checkpoint-created"
	TypeCheckpointRestored  = "checkpoint-restored"
	TypeAuxPort             = "aux-port"
	TypePlugins             = "plugins"
	TypeExtensionEvent      = "extension-event"
	TypeExtensionResult     = "extension-result"
)

// Envelope is the parsed inbound shape. Payload stays raw; each handler
// decodes the fields it expects.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Peek parses just enough of data to extract the envelope type.
func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", &Error{Reason: "malformed envelope", Err: err}
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return "", &Error{Reason: "missing message type"}
	}
	return typ, nil
}

// Parse decodes a full inbound envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Reason: "malformed envelope", Err: err}
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, &Error{Reason: "missing message type"}
	}
	return &env, nil
}

// Marshal serializes an outbound envelope once, for fan-out or reply.
func Marshal(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: typ, Payload: payload})
	if err != nil {
		return nil, &TransportError{Op: "marshal " + typ, Err: err}
	}
	return data, nil
}
