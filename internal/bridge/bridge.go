// Package bridge multiplexes correlated request/response exchanges with
// the browser-automation extension over one duplex channel. Outbound
// frames carry {id, action, params}; the peer answers {id, success,
// data|error} or pushes unsolicited {event, data} frames, which are
// re-emitted on the event bus under "extension:<event>".
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/protocol"
)

// DefaultTimeout bounds a request when the caller does not override it.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned immediately when no peer is attached.
	// Requests are never queued for a future peer.
	ErrNotConnected = errors.New("extension not connected")
	// ErrPeerDisconnected rejects requests still pending when the
	// peer's channel is lost.
	ErrPeerDisconnected = errors.New("extension disconnected")
	// ErrTimeout rejects a request whose response never arrived.
	ErrTimeout = errors.New("extension request timed out")
)

// Peer is the attached duplex channel to the extension.
type Peer interface {
	Send(data []byte) error
}

type request struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID      string          `json:"id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

type entry struct {
	ch     chan result
	action string
}

// Bridge owns the pending-request table for the single extension peer.
type Bridge struct {
	bus            *events.Bus
	defaultTimeout time.Duration

	mu      sync.Mutex
	peer    Peer
	pending map[string]*entry
}

// New creates a Bridge emitting peer events on bus. A non-positive
// defaultTimeout falls back to DefaultTimeout.
func New(bus *events.Bus, defaultTimeout time.Duration) *Bridge {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Bridge{
		bus:            bus,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*entry),
	}
}

// Attach binds the extension channel. Replacing a live peer first
// rejects everything pending on the old one.
func (b *Bridge) Attach(peer Peer) {
	b.mu.Lock()
	had := b.peer != nil
	if had {
		b.rejectAllLocked(ErrPeerDisconnected)
	}
	b.peer = peer
	b.mu.Unlock()

	if had {
		logger.Warn("bridge: extension peer replaced")
	}
	b.bus.Emit(events.EventExtensionConnected, nil)
}

// Detach drops the peer and rejects every pending request with a
// disconnect condition. The pending set is empty when it returns.
func (b *Bridge) Detach() {
	b.mu.Lock()
	had := b.peer != nil
	b.peer = nil
	b.rejectAllLocked(ErrPeerDisconnected)
	b.mu.Unlock()

	if had {
		b.bus.Emit(events.EventExtensionDisconnected, nil)
	}
}

// DetachPeer detaches only if peer is still the attached one, so a
// stale connection unwinding after a replacement cannot drop its
// successor.
func (b *Bridge) DetachPeer(peer Peer) {
	b.mu.Lock()
	if b.peer != peer {
		b.mu.Unlock()
		return
	}
	b.peer = nil
	b.rejectAllLocked(ErrPeerDisconnected)
	b.mu.Unlock()

	b.bus.Emit(events.EventExtensionDisconnected, nil)
}

// Connected reports whether a peer is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// Pending reports the number of unresolved requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call sends {id, action, params} to the peer and waits for the
// matching response, the timeout, or ctx. Exactly one of those resolves
// the request, and the pending entry is removed on every path.
func (b *Bridge) Call(ctx context.Context, action string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	peer := b.peer
	if peer == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	e := &entry{ch: make(chan result, 1), action: action}
	b.pending[id] = e
	b.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Action: action, Params: params})
	if err != nil {
		b.remove(id)
		return nil, &protocol.TransportError{Op: "marshal " + action, Err: err}
	}
	if err := peer.Send(data); err != nil {
		b.remove(id)
		return nil, &protocol.TransportError{Op: "send " + action, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-e.ch:
		return res.data, res.err
	case <-timer.C:
		b.remove(id)
		return nil, fmt.Errorf("%w: %q after %s", ErrTimeout, action, timeout)
	case <-ctx.Done():
		b.remove(id)
		return nil, ctx.Err()
	}
}

// Screenshot asks the extension for an out-of-band viewport capture.
func (b *Bridge) Screenshot(ctx context.Context) (json.RawMessage, error) {
	return b.Call(ctx, "captureScreenshot", nil, 0)
}

// HandleFrame routes one inbound frame from the peer: a correlated
// response resolves its pending entry; an event frame is re-emitted on
// the bus; anything else is logged and dropped.
func (b *Bridge) HandleFrame(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		perr := &protocol.Error{Reason: "malformed extension frame", Err: err}
		logger.Warn("bridge: %v", perr)
		return
	}

	switch {
	case resp.ID != "":
		b.resolve(&resp)
	case resp.Event != "":
		b.bus.Emit(events.ExtensionEvent(resp.Event), resp.Data)
	default:
		logger.Warn("bridge: frame with neither id nor event dropped")
	}
}

func (b *Bridge) resolve(resp *response) {
	b.mu.Lock()
	e, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()

	if !ok {
		logger.Warn("bridge: response for unknown id %s dropped", resp.ID)
		return
	}

	if resp.Success != nil && !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unspecified extension error"
		}
		e.ch <- result{err: fmt.Errorf("extension %q failed: %s", e.action, msg)}
		return
	}
	e.ch <- result{data: resp.Data}
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// rejectAllLocked resolves every pending entry with cause. Callers hold b.mu.
func (b *Bridge) rejectAllLocked(cause error) {
	for id, e := range b.pending {
		e.ch <- result{err: fmt.Errorf("%w: %q", cause, e.action)}
		delete(b.pending, id)
	}
}
