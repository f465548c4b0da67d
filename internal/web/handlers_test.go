package web

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sschepis/oboto-server/internal/config"
	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/protocol"
	"github.com/sschepis/oboto-server/internal/provider"
	"github.com/sschepis/oboto-server/internal/store"
)

type sentFrame struct {
	typ     string
	payload any
}

// fakeSender records handler replies without a socket.
type fakeSender struct {
	mu     sync.Mutex
	id     string
	frames []sentFrame
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{typ: typ, payload: payload})
	return nil
}

func (f *fakeSender) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

func (f *fakeSender) lastOf(typ string) (sentFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].typ == typ {
			return f.frames[i], true
		}
	}
	return sentFrame{}, false
}

func newTestHandlers(t *testing.T) (*Handlers, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.WorkspaceDir = t.TempDir()

	bus := events.NewBus()
	h := newHandlers(cfg, Deps{Store: st, Bus: bus, Classifier: provider.Classifier{}})
	return h, st, bus
}

// capture collects every payload emitted for one bus event. The bus
// delivers synchronously, so the slice is current after each handler
// call on the test goroutine.
func capture(bus *events.Bus, event string) *[]any {
	seen := &[]any{}
	bus.Subscribe(event, func(payload any) { *seen = append(*seen, payload) })
	return seen
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestConversationLifecycle(t *testing.T) {
	h, st, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()
	switched := capture(bus, events.EventConversationSwitched)

	require.NoError(t, h.handleNewConversation(ctx, sender, raw(`{"title":"Research"}`)))
	require.Len(t, *switched, 1)

	frame, ok := sender.lastOf(protocol.TypeHistory)
	require.True(t, ok)
	research := frame.payload.(historyPayload)
	require.NotEmpty(t, research.ConversationID)
	assert.Empty(t, research.Messages)

	require.NoError(t, h.handleNewConversation(ctx, sender, raw(`{"title":"Scratch"}`)))
	require.Len(t, *switched, 2)

	require.NoError(t, h.handleListConversations(ctx, sender, nil))
	frame, ok = sender.lastOf(protocol.TypeConversations)
	require.True(t, ok)
	list := frame.payload.(conversationsPayload)
	require.Len(t, list.Conversations, 2)
	scratchID := list.ActiveID
	assert.NotEqual(t, research.ConversationID, scratchID)

	// Switching back replies with that conversation's history.
	require.NoError(t, h.handleSwitchConversation(ctx, sender, raw(`{"id":"`+research.ConversationID+`"}`)))
	require.Len(t, *switched, 3)
	frame, _ = sender.lastOf(protocol.TypeHistory)
	assert.Equal(t, research.ConversationID, frame.payload.(historyPayload).ConversationID)

	// Renaming is reflected in the list reply.
	require.NoError(t, h.handleRenameConversation(ctx, sender, raw(`{"id":"`+scratchID+`","title":"Notes"}`)))
	frame, _ = sender.lastOf(protocol.TypeConversations)
	titles := map[string]string{}
	for _, conv := range frame.payload.(conversationsPayload).Conversations {
		titles[conv.ID] = conv.Title
	}
	assert.Equal(t, "Notes", titles[scratchID])

	// Deleting the active conversation promotes another and announces it.
	require.NoError(t, h.handleDeleteConversation(ctx, sender, raw(`{"id":"`+research.ConversationID+`"}`)))
	require.Len(t, *switched, 4)
	active, err := st.Active()
	require.NoError(t, err)
	assert.Equal(t, scratchID, active.ID)
}

func TestConversationHandlersRejectBadPayloads(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()

	var perr *protocol.Error
	assert.ErrorAs(t, h.handleSwitchConversation(ctx, sender, raw(`{}`)), &perr)
	assert.ErrorAs(t, h.handleRenameConversation(ctx, sender, raw(`{"id":"x","title":"  "}`)), &perr)
	assert.ErrorAs(t, h.handleChat(ctx, sender, raw(`{"message":"   "}`)), &perr)
	assert.Empty(t, sender.sent(), "rejected requests get no direct reply from the handler")
}

func TestTaskHandlersEmitCatalogEvents(t *testing.T) {
	h, st, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()
	created := capture(bus, events.EventTaskCreated)
	updated := capture(bus, events.EventTaskUpdated)
	deleted := capture(bus, events.EventTaskDeleted)

	require.NoError(t, h.handleTaskAdd(ctx, sender, raw(`{"description":"write docs"}`)))
	require.Len(t, *created, 1)
	task := (*created)[0].(*store.Task)
	assert.Equal(t, "write docs", task.Description)
	assert.Equal(t, store.TaskPending, task.Status)

	require.NoError(t, h.handleTaskUpdate(ctx, sender, raw(`{"id":"`+task.ID+`","status":"done"}`)))
	require.Len(t, *updated, 1)
	assert.Equal(t, store.TaskDone, (*updated)[0].(*store.Task).Status)

	require.NoError(t, h.handleTaskList(ctx, sender, nil))
	frame, ok := sender.lastOf(protocol.TypeTasks)
	require.True(t, ok)
	assert.Len(t, frame.payload.(tasksPayload).Tasks, 1)

	require.NoError(t, h.handleTaskDelete(ctx, sender, raw(`{"id":"`+task.ID+`"}`)))
	require.Len(t, *deleted, 1)
	tasks, err := st.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	var perr *protocol.Error
	assert.ErrorAs(t, h.handleTaskAdd(ctx, sender, raw(`{"description":"  "}`)), &perr)
}

func TestScheduleHandlers(t *testing.T) {
	h, _, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()
	created := capture(bus, events.EventScheduleCreated)
	deleted := capture(bus, events.EventScheduleDeleted)

	require.NoError(t, h.handleScheduleAdd(ctx, sender, raw(`{"name":"hourly review","intervalSecs":3600}`)))
	require.Len(t, *created, 1)
	sched := (*created)[0].(*store.Schedule)
	assert.Equal(t, int64(3600), sched.IntervalSecs)

	require.NoError(t, h.handleScheduleList(ctx, sender, nil))
	frame, ok := sender.lastOf(protocol.TypeSchedules)
	require.True(t, ok)
	assert.Len(t, frame.payload.(schedulesPayload).Schedules, 1)

	require.NoError(t, h.handleScheduleDelete(ctx, sender, raw(`{"id":"`+sched.ID+`"}`)))
	require.Len(t, *deleted, 1)
}

func TestCheckpointRestoreRewindsHistory(t *testing.T) {
	h, st, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()
	createdEvents := capture(bus, events.EventCheckpointCreated)
	restoredEvents := capture(bus, events.EventCheckpointRestored)

	conv, err := st.EnsureActive()
	require.NoError(t, err)
	_, err = st.AppendMessage(conv.ID, "user", "before")
	require.NoError(t, err)

	// No payload defaults to the active conversation.
	require.NoError(t, h.handleCheckpointCreate(ctx, sender, nil))
	require.Len(t, *createdEvents, 1)
	cp := (*createdEvents)[0].(*store.Checkpoint)
	assert.Equal(t, conv.ID, cp.ConversationID)

	_, err = st.AppendMessage(conv.ID, "assistant", "after")
	require.NoError(t, err)

	require.NoError(t, h.handleCheckpointRestore(ctx, sender, raw(`{"id":"`+cp.ID+`"}`)))
	require.Len(t, *restoredEvents, 1)

	frame, ok := sender.lastOf(protocol.TypeHistory)
	require.True(t, ok)
	history := frame.payload.(historyPayload)
	assert.Equal(t, conv.ID, history.ConversationID)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "before", history.Messages[0].Content)
}

func TestSetStyleShapesTranscript(t *testing.T) {
	h, _, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	ctx := context.Background()
	changed := capture(bus, events.EventStyleChanged)

	require.NoError(t, h.handleSetStyle(ctx, sender, raw(`{"style":"pirate"}`)))
	require.Len(t, *changed, 1)

	msgs := h.transcript([]*store.Message{{Role: "user", Content: "hi"}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "pirate")
	assert.Equal(t, "user", msgs[1].Role)

	// Blank clears the instruction.
	require.NoError(t, h.handleSetStyle(ctx, sender, raw(`{"style":"   "}`)))
	msgs = h.transcript([]*store.Message{{Role: "user", Content: "hi"}})
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestReplyFailureClassification(t *testing.T) {
	h, _, bus := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}
	raised := capture(bus, events.EventProviderAuthFailed)

	h.replyFailure(sender, provider.ClassifyError(errors.New("invalid x-api-key")))
	require.Len(t, *raised, 1)
	frame, ok := sender.lastOf(protocol.TypeError)
	require.True(t, ok)
	assert.Contains(t, frame.payload.(errorPayload).Message, "anthropic_api_key")

	h.replyFailure(sender, errors.New("disk full"))
	assert.Len(t, *raised, 1, "generic failures stay off the bus")
	frame, _ = sender.lastOf(protocol.TypeError)
	assert.Equal(t, "disk full", frame.payload.(errorPayload).Message)
}

func TestChatCancelWithNothingInFlight(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	sender := &fakeSender{id: "idle"}

	require.NoError(t, h.handleChatCancel(context.Background(), sender, nil))
	assert.Empty(t, sender.sent())
}

func TestPingRepliesPong(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	sender := &fakeSender{id: "c1"}

	require.NoError(t, h.handlePing(context.Background(), sender, nil))
	frame, ok := sender.lastOf(protocol.TypePong)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), frame.payload.(pongPayload).Time, time.Minute)
}
