package events

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/protocol"
)

// Fanout delivers one pre-serialized frame to every open connection.
// Closed or half-open connections are skipped by the implementation.
type Fanout interface {
	FanOut(data []byte)
}

// LoopController is the slice of the autonomous loop the Broadcaster
// needs: halting it when provider authentication keeps failing.
type LoopController interface {
	Stop(reason string)
}

// Classifier turns a provider failure into user-facing remedy guidance.
type Classifier interface {
	Remedy(err error) Remedy
}

// Remedy is the structured payload broadcast on authentication failures.
type Remedy struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// Lister supplies directory listings for the workspace refresh broadcast.
type Lister interface {
	List(rel string) (any, error)
}

// passthrough maps bus events to the client envelope type they are
// republished under, payload unchanged.
var passthrough = map[string]string{
	EventTaskCreated:          protocol.TypeTaskCreated,
	EventTaskUpdated:          protocol.TypeTaskUpdated,
	EventTaskDeleted:          protocol.TypeTaskDeleted,
	EventScheduleCreated:      protocol.TypeScheduleCreated,
	EventScheduleDeleted:      protocol.TypeScheduleDeleted,
	EventScheduleTriggered:    protocol.TypeScheduleTriggered,
	EventWorkflowStarted:      protocol.TypeWorkflowStarted,
	EventWorkflowStep:         protocol.TypeWorkflowStep,
	EventWorkflowCompleted:    protocol.TypeWorkflowCompleted,
	EventWorkflowFailed:       protocol.TypeWorkflowFailed,
	EventStyleChanged:         protocol.TypeStyleChanged,
	EventCheckpointCreated:    protocol.TypeCheckpointCreated,
	EventCheckpointRestored:   protocol.TypeCheckpointRestored,
	EventConversationSwitched: protocol.TypeConversationSwitch,
	EventAgentState:           protocol.TypeLoopState,
	EventChatResponse:         protocol.TypeChatResponse,
	EventChatChunk:            protocol.TypeChatChunk,
}

// extension peer events forwarded to clients, wrapped with their name.
var extensionEvents = []string{
	EventExtensionConnected,
	EventExtensionDisconnected,
	EventExtensionConsole,
	EventExtensionNavigated,
}

type extensionPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type workspacePayload struct {
	Path    string `json:"path"`
	Entries any    `json:"entries"`
}

// Broadcaster bridges the internal event catalog onto the connected
// client set. It owns every bus subscription it makes and removes them
// all in Destroy, so a replaced instance leaves nothing behind on the
// shared Bus.
type Broadcaster struct {
	bus        *Bus
	fanout     Fanout
	classifier Classifier
	lister     Lister

	mu   sync.Mutex
	loop LoopController
	subs []Subscription

	destroyed  atomic.Bool
	refreshing atomic.Bool
	lastList   atomic.Uint64
}

// NewBroadcaster subscribes to the full catalog and starts republishing
// immediately. The loop controller is attached later via SetLoop since
// the loop is constructed after the broadcaster.
func NewBroadcaster(bus *Bus, fanout Fanout, classifier Classifier, lister Lister) *Broadcaster {
	b := &Broadcaster{
		bus:        bus,
		fanout:     fanout,
		classifier: classifier,
		lister:     lister,
	}

	for event, typ := range passthrough {
		typ := typ
		b.track(bus.Subscribe(event, func(payload any) {
			b.Broadcast(typ, payload)
		}))
	}
	for _, event := range extensionEvents {
		name := event[len(ExtensionPrefix):]
		b.track(bus.Subscribe(event, func(payload any) {
			b.Broadcast(protocol.TypeExtensionEvent, extensionPayload{Event: name, Data: payload})
		}))
	}
	b.track(bus.Subscribe(EventProviderAuthFailed, b.onAuthFailure))
	b.track(bus.Subscribe(EventWorkspaceChanged, b.onWorkspaceChanged))
	return b
}

func (b *Broadcaster) track(sub Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// SetLoop attaches the autonomous loop controller.
func (b *Broadcaster) SetLoop(loop LoopController) {
	b.mu.Lock()
	b.loop = loop
	b.mu.Unlock()
}

// Broadcast serializes the envelope once and fans it out. A payload
// that cannot be serialized is logged and dropped; it never panics the
// broadcaster or reaches a partial set of clients.
func (b *Broadcaster) Broadcast(typ string, payload any) {
	if b.destroyed.Load() {
		return
	}
	data, err := protocol.Marshal(typ, payload)
	if err != nil {
		logger.Warn("broadcast: dropping %s: %v", typ, err)
		return
	}
	b.fanout.FanOut(data)
}

// onAuthFailure converts a provider failure into a remedy broadcast and
// halts the autonomous loop so the failure cannot repeat unattended.
func (b *Broadcaster) onAuthFailure(payload any) {
	err, ok := payload.(error)
	if !ok {
		logger.Warn("broadcast: auth-failure event without error payload")
		return
	}

	remedy := Remedy{Message: err.Error()}
	if b.classifier != nil {
		remedy = b.classifier.Remedy(err)
	}
	b.Broadcast(protocol.TypeAuthError, remedy)

	b.mu.Lock()
	loop := b.loop
	b.mu.Unlock()
	if loop != nil {
		loop.Stop("provider authentication failure")
	}
}

// onWorkspaceChanged refreshes the root directory listing off the
// emitter's goroutine and broadcasts it. Back-to-back file events
// coalesce into one in-flight refresh, and a listing identical to the
// previous one (by fingerprint) is not rebroadcast.
func (b *Broadcaster) onWorkspaceChanged(any) {
	if b.lister == nil || !b.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.refreshing.Store(false)

		entries, err := b.lister.List(".")
		if err != nil {
			logger.Warn("broadcast: workspace refresh failed: %v", err)
			return
		}
		data, err := protocol.Marshal(protocol.TypeWorkspaceFiles, workspacePayload{Path: ".", Entries: entries})
		if err != nil {
			logger.Warn("broadcast: workspace listing unserializable: %v", err)
			return
		}

		sum := xxhash.Sum64(data)
		if sum == b.lastList.Load() {
			return
		}
		b.lastList.Store(sum)

		if b.destroyed.Load() {
			return
		}
		b.fanout.FanOut(data)
	}()
}

// Destroy removes every listener this instance registered on the Bus
// and silences Broadcast. After it returns, no bus event can produce a
// fan-out from this instance.
func (b *Broadcaster) Destroy() {
	b.destroyed.Store(true)

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.bus.Unsubscribe(sub)
	}
}
