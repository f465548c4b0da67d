package web

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sschepis/oboto-server/internal/config"
	"github.com/sschepis/oboto-server/internal/dispatch"
	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/protocol"
	"github.com/sschepis/oboto-server/internal/provider"
	"github.com/sschepis/oboto-server/internal/store"
	"github.com/sschepis/oboto-server/internal/workspace"
)

// Handlers is the dispatcher handler table together with the shared
// collaborators it closes over and the per-connection chat registry.
type Handlers struct {
	cfg  *config.Config
	deps Deps

	chatMu sync.Mutex
	chats  map[string]*chatHandle // sender id -> in-flight chat

	styleMu sync.Mutex
	style   string
}

// chatHandle identifies one in-flight chat so a finished stream can
// only unregister itself, never a successor registered after it.
type chatHandle struct {
	cancel context.CancelFunc
}

func newHandlers(cfg *config.Config, deps Deps) *Handlers {
	return &Handlers{cfg: cfg, deps: deps, chats: make(map[string]*chatHandle)}
}

// table maps every client message type to its handler. It is installed
// once at startup via RegisterAll.
func (h *Handlers) table() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		protocol.TypeChat:               h.handleChat,
		protocol.TypeChatCancel:         h.handleChatCancel,
		protocol.TypeNewConversation:    h.handleNewConversation,
		protocol.TypeSwitchConversation: h.handleSwitchConversation,
		protocol.TypeListConversations:  h.handleListConversations,
		protocol.TypeDeleteConversation: h.handleDeleteConversation,
		protocol.TypeRenameConversation: h.handleRenameConversation,
		protocol.TypeHistory:            h.handleHistory,
		protocol.TypeTaskAdd:            h.handleTaskAdd,
		protocol.TypeTaskUpdate:         h.handleTaskUpdate,
		protocol.TypeTaskDelete:         h.handleTaskDelete,
		protocol.TypeTaskList:           h.handleTaskList,
		protocol.TypeScheduleAdd:        h.handleScheduleAdd,
		protocol.TypeScheduleDelete:     h.handleScheduleDelete,
		protocol.TypeScheduleList:       h.handleScheduleList,
		protocol.TypeCheckpointCreate:   h.handleCheckpointCreate,
		protocol.TypeCheckpointRestore:  h.handleCheckpointRestore,
		protocol.TypeSetStyle:           h.handleSetStyle,
		protocol.TypeLoopStart:          h.handleLoopStart,
		protocol.TypeLoopStop:           h.handleLoopStop,
		protocol.TypeExtensionCommand:   h.handleExtensionCommand,
		protocol.TypeScreenshot:         h.handleScreenshot,
		protocol.TypeWorkspaceFiles:     h.handleWorkspaceFiles,
		protocol.TypeSyncStatus:         h.handleSyncStatus,
		protocol.TypePing:               h.handlePing,
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

// replyFailure classifies a handler error. An authentication failure is
// raised on the bus, where the broadcaster turns it into a remedy
// broadcast and halts the autonomous loop; the sender additionally gets
// the suggestion. Anything else goes to the sender alone.
func (h *Handlers) replyFailure(from dispatch.Sender, err error) {
	if provider.IsAuth(err) {
		h.emit(events.EventProviderAuthFailed, err)
		if h.deps.Classifier != nil {
			remedy := h.deps.Classifier.Remedy(err)
			_ = from.Send(protocol.TypeError, errorPayload{Message: remedy.Suggestion})
			return
		}
	}
	_ = from.Send(protocol.TypeError, errorPayload{Message: err.Error()})
}

func (h *Handlers) emit(event string, payload any) {
	if h.deps.Bus != nil {
		h.deps.Bus.Emit(event, payload)
	}
}

func (h *Handlers) requireStore() (*store.Store, error) {
	if h.deps.Store == nil {
		return nil, errUnavailable("store")
	}
	return h.deps.Store, nil
}

// Chat

type chatRequest struct {
	Message string `json:"message"`
}

type chatChunkPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type chatResponsePayload struct {
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

type chatCancelledPayload struct {
	ConversationID string `json:"conversationId"`
}

// handleChat appends the user turn, then streams the reply off the
// read loop so a later chat-cancel on the same connection can
// interrupt it. Chunks broadcast as they arrive; the complete reply
// lands in the store and goes out as one chat-response.
func (h *Handlers) handleChat(ctx context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req chatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad chat payload", Err: err}
	}
	if strings.TrimSpace(req.Message) == "" {
		return &protocol.Error{Reason: "empty chat message"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}
	if h.deps.Provider == nil {
		return errUnavailable("provider")
	}

	conv, err := st.EnsureActive()
	if err != nil {
		return err
	}
	if _, err := st.AppendMessage(conv.ID, "user", req.Message); err != nil {
		return err
	}
	history, err := st.History(conv.ID, h.cfg.HistoryLimit)
	if err != nil {
		return err
	}

	chatCtx, cancel := context.WithCancel(ctx)
	handle := &chatHandle{cancel: cancel}
	h.registerChat(from.ID(), handle)
	go h.streamChat(chatCtx, handle, from, conv.ID, h.transcript(history))
	return nil
}

func (h *Handlers) streamChat(ctx context.Context, handle *chatHandle, from dispatch.Sender, convID string, transcript []provider.Message) {
	defer h.clearChat(from.ID(), handle)

	reply, err := h.deps.Provider.Stream(ctx, transcript, func(text string) error {
		h.emit(events.EventChatChunk, chatChunkPayload{ConversationID: convID, Content: text})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("web: chat cancelled for client %s", from.ID())
			_ = from.Send(protocol.TypeChatCancelled, chatCancelledPayload{ConversationID: convID})
			return
		}
		h.replyFailure(from, err)
		return
	}

	if _, err := h.deps.Store.AppendMessage(convID, "assistant", reply); err != nil {
		logger.Warn("web: storing assistant reply failed: %v", err)
	}
	h.emit(events.EventChatResponse, chatResponsePayload{ConversationID: convID, Role: "assistant", Content: reply})
}

// transcript converts stored history into provider messages, with the
// active response style prepended as a system instruction.
func (h *Handlers) transcript(history []*store.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+1)
	if style := h.currentStyle(); style != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: "Respond in a " + style + " style."})
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// registerChat replaces any previous in-flight chat for the
// connection, cancelling the old one first.
func (h *Handlers) registerChat(senderID string, handle *chatHandle) {
	h.chatMu.Lock()
	prev := h.chats[senderID]
	h.chats[senderID] = handle
	h.chatMu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// clearChat removes the registration, but only if it still belongs to
// this handle; a successor chat registered meanwhile stays.
func (h *Handlers) clearChat(senderID string, handle *chatHandle) {
	h.chatMu.Lock()
	if h.chats[senderID] == handle {
		delete(h.chats, senderID)
	}
	h.chatMu.Unlock()
	handle.cancel()
}

// cancelChat cancels the connection's in-flight chat, reporting
// whether there was one.
func (h *Handlers) cancelChat(senderID string) bool {
	h.chatMu.Lock()
	handle := h.chats[senderID]
	h.chatMu.Unlock()
	if handle == nil {
		return false
	}
	handle.cancel()
	return true
}

// handleChatCancel interrupts the in-flight chat; the unwinding stream
// goroutine answers with chat-cancelled. Nothing in flight is a no-op.
func (h *Handlers) handleChatCancel(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	if !h.cancelChat(from.ID()) {
		logger.Debug("web: chat-cancel from %s with no chat in flight", from.ID())
	}
	return nil
}

// Conversations

type conversationRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (h *Handlers) handleNewConversation(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req conversationRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return &protocol.Error{Reason: "bad conversation payload", Err: err}
		}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	conv, err := st.CreateConversation(req.Title)
	if err != nil {
		return err
	}
	h.emit(events.EventConversationSwitched, conv)

	history, err := h.historyFor(conv.ID)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeHistory, history)
}

func (h *Handlers) handleSwitchConversation(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad conversation payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing conversation id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	if err := st.Switch(req.ID); err != nil {
		return err
	}
	if conv, err := st.Active(); err == nil {
		h.emit(events.EventConversationSwitched, conv)
	}

	history, err := h.historyFor(req.ID)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeHistory, history)
}

func (h *Handlers) handleListConversations(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	payload, err := h.conversationList()
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeConversations, payload)
}

func (h *Handlers) handleDeleteConversation(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad conversation payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing conversation id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	active, _ := st.Active()
	if err := st.DeleteConversation(req.ID); err != nil {
		return err
	}
	// Deleting the active conversation promotes another one.
	if active != nil && active.ID == req.ID {
		if next, err := st.Active(); err == nil {
			h.emit(events.EventConversationSwitched, next)
		}
	}

	list, err := h.conversationList()
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeConversations, list)
}

func (h *Handlers) handleRenameConversation(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad conversation payload", Err: err}
	}
	if req.ID == "" || strings.TrimSpace(req.Title) == "" {
		return &protocol.Error{Reason: "rename needs id and title"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	if err := st.RenameConversation(req.ID, req.Title); err != nil {
		return err
	}
	list, err := h.conversationList()
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeConversations, list)
}

func (h *Handlers) handleHistory(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return &protocol.Error{Reason: "bad history payload", Err: err}
		}
	}

	var history historyPayload
	var err error
	if req.ConversationID == "" {
		history, err = h.activeHistory()
	} else {
		history, err = h.historyFor(req.ConversationID)
	}
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeHistory, history)
}

// activeHistory is the connect-snapshot variant: history of whichever
// conversation is active, creating one if the store is empty.
func (h *Handlers) activeHistory() (historyPayload, error) {
	st, err := h.requireStore()
	if err != nil {
		return historyPayload{}, err
	}
	conv, err := st.EnsureActive()
	if err != nil {
		return historyPayload{}, err
	}
	return h.historyFor(conv.ID)
}

func (h *Handlers) historyFor(convID string) (historyPayload, error) {
	st, err := h.requireStore()
	if err != nil {
		return historyPayload{}, err
	}
	msgs, err := st.History(convID, h.cfg.HistoryLimit)
	if err != nil {
		return historyPayload{}, err
	}
	payload := historyPayload{ConversationID: convID, Messages: msgs}
	if h.deps.Estimator != nil {
		payload.TokenEstimate = h.deps.Estimator.Estimate(h.transcript(msgs))
	}
	return payload, nil
}

func (h *Handlers) conversationList() (conversationsPayload, error) {
	st, err := h.requireStore()
	if err != nil {
		return conversationsPayload{}, err
	}
	convs, err := st.ListConversations()
	if err != nil {
		return conversationsPayload{}, err
	}
	payload := conversationsPayload{Conversations: convs}
	for _, conv := range convs {
		if conv.Active {
			payload.ActiveID = conv.ID
			break
		}
	}
	return payload, nil
}

// Tasks

type taskRequest struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type deletedPayload struct {
	ID string `json:"id"`
}

func (h *Handlers) handleTaskAdd(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req taskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad task payload", Err: err}
	}
	if strings.TrimSpace(req.Description) == "" {
		return &protocol.Error{Reason: "empty task description"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	task, err := st.CreateTask(req.Description)
	if err != nil {
		return err
	}
	h.emit(events.EventTaskCreated, task)
	return nil
}

func (h *Handlers) handleTaskUpdate(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req taskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad task payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing task id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	task, err := st.UpdateTask(req.ID, req.Description, req.Status)
	if err != nil {
		return err
	}
	h.emit(events.EventTaskUpdated, task)
	return nil
}

func (h *Handlers) handleTaskDelete(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req taskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad task payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing task id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	if err := st.DeleteTask(req.ID); err != nil {
		return err
	}
	h.emit(events.EventTaskDeleted, deletedPayload{ID: req.ID})
	return nil
}

func (h *Handlers) handleTaskList(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	st, err := h.requireStore()
	if err != nil {
		return err
	}
	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeTasks, tasksPayload{Tasks: tasks})
}

// Schedules

type scheduleRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IntervalSecs int64  `json:"intervalSecs"`
}

func (h *Handlers) handleScheduleAdd(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req scheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad schedule payload", Err: err}
	}
	if strings.TrimSpace(req.Name) == "" {
		return &protocol.Error{Reason: "empty schedule name"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	sched, err := st.CreateSchedule(req.Name, req.IntervalSecs)
	if err != nil {
		return err
	}
	h.emit(events.EventScheduleCreated, sched)
	return nil
}

func (h *Handlers) handleScheduleDelete(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req scheduleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad schedule payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing schedule id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	if err := st.DeleteSchedule(req.ID); err != nil {
		return err
	}
	h.emit(events.EventScheduleDeleted, deletedPayload{ID: req.ID})
	return nil
}

func (h *Handlers) handleScheduleList(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	st, err := h.requireStore()
	if err != nil {
		return err
	}
	scheds, err := st.ListSchedules()
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeSchedules, schedulesPayload{Schedules: scheds})
}

// Checkpoints

type checkpointRequest struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type checkpointRestoredPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

func (h *Handlers) handleCheckpointCreate(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req checkpointRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return &protocol.Error{Reason: "bad checkpoint payload", Err: err}
		}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	convID := req.ConversationID
	if convID == "" {
		conv, err := st.EnsureActive()
		if err != nil {
			return err
		}
		convID = conv.ID
	}

	cp, err := st.CreateCheckpoint(convID, req.Title)
	if err != nil {
		return err
	}
	h.emit(events.EventCheckpointCreated, cp)
	return nil
}

func (h *Handlers) handleCheckpointRestore(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	var req checkpointRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad checkpoint payload", Err: err}
	}
	if req.ID == "" {
		return &protocol.Error{Reason: "missing checkpoint id"}
	}
	st, err := h.requireStore()
	if err != nil {
		return err
	}

	convID, err := st.RestoreCheckpoint(req.ID)
	if err != nil {
		return err
	}
	h.emit(events.EventCheckpointRestored, checkpointRestoredPayload{ID: req.ID, ConversationID: convID})

	history, err := h.historyFor(convID)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeHistory, history)
}

// Style

type stylePayload struct {
	Style string `json:"style"`
}

func (h *Handlers) handleSetStyle(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	var req stylePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad style payload", Err: err}
	}

	style := strings.TrimSpace(req.Style)
	h.styleMu.Lock()
	h.style = style
	h.styleMu.Unlock()

	h.emit(events.EventStyleChanged, stylePayload{Style: style})
	return nil
}

func (h *Handlers) currentStyle() string {
	h.styleMu.Lock()
	defer h.styleMu.Unlock()
	return h.style
}

// Autonomous loop

type loopRequest struct {
	Objective string `json:"objective"`
}

func (h *Handlers) handleLoopStart(_ context.Context, _ dispatch.Sender, payload json.RawMessage) error {
	if h.deps.Loop == nil {
		return errUnavailable("loop")
	}
	var req loopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad loop payload", Err: err}
	}
	return h.deps.Loop.Start(req.Objective)
}

func (h *Handlers) handleLoopStop(_ context.Context, _ dispatch.Sender, _ json.RawMessage) error {
	if h.deps.Loop == nil {
		return errUnavailable("loop")
	}
	h.deps.Loop.Stop("stopped by user")
	return nil
}

// Extension

type extensionRequest struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type extensionResultPayload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// handleExtensionCommand forwards a correlated request to the
// extension peer. Bridge failures (not connected, timeout, peer loss)
// come back as the handler error and reach the sender through the
// generic error reply.
func (h *Handlers) handleExtensionCommand(ctx context.Context, from dispatch.Sender, payload json.RawMessage) error {
	if h.deps.Bridge == nil {
		return errUnavailable("bridge")
	}
	var req extensionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return &protocol.Error{Reason: "bad extension payload", Err: err}
	}
	if req.Action == "" {
		return &protocol.Error{Reason: "missing extension action"}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	data, err := h.deps.Bridge.Call(ctx, req.Action, req.Params, timeout)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeExtensionResult, extensionResultPayload{Action: req.Action, Data: data})
}

func (h *Handlers) handleScreenshot(ctx context.Context, from dispatch.Sender, _ json.RawMessage) error {
	if h.deps.Bridge == nil {
		return errUnavailable("bridge")
	}
	data, err := h.deps.Bridge.Screenshot(ctx)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeExtensionResult, extensionResultPayload{Action: "captureScreenshot", Data: data})
}

// Workspace

type workspaceRequest struct {
	Path string `json:"path"`
}

type workspaceFilesPayload struct {
	Path    string            `json:"path"`
	Entries []workspace.Entry `json:"entries"`
}

func (h *Handlers) handleWorkspaceFiles(_ context.Context, from dispatch.Sender, payload json.RawMessage) error {
	if h.deps.Workspace == nil {
		return errUnavailable("workspace")
	}
	var req workspaceRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return &protocol.Error{Reason: "bad workspace payload", Err: err}
		}
	}
	if req.Path == "" {
		req.Path = "."
	}

	entries, err := h.deps.Workspace.List(req.Path)
	if err != nil {
		return err
	}
	return from.Send(protocol.TypeWorkspaceFiles, workspaceFilesPayload{Path: req.Path, Entries: entries})
}

// Misc

func (h *Handlers) handleSyncStatus(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	return from.Send(protocol.TypeSyncStatus, h.syncStatus())
}

type pongPayload struct {
	Time time.Time `json:"time"`
}

func (h *Handlers) handlePing(_ context.Context, from dispatch.Sender, _ json.RawMessage) error {
	return from.Send(protocol.TypePong, pongPayload{Time: time.Now()})
}
