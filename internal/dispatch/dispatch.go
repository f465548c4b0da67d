// Package dispatch routes typed client messages to registered handlers.
// The registry is built once during startup and read for the life of the
// process; registration is last-writer-wins so feature tables loaded
// later can override earlier defaults.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sschepis/oboto-server/internal/logger"
)

// Sender is the slice of a client connection a handler may touch: its
// identity and a way to reply. Handlers never see the raw socket.
type Sender interface {
	ID() string
	Send(typ string, payload any) error
}

// Handler processes one inbound message. The payload is the raw JSON
// payload field of the envelope; each handler decodes what it expects.
type Handler func(ctx context.Context, from Sender, payload json.RawMessage) error

// Dispatcher maps message types to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register installs handler for typ, replacing any previous handler.
// An override is logged so a bad startup table is visible.
func (d *Dispatcher) Register(typ string, handler Handler) {
	if typ == "" || handler == nil {
		return
	}
	d.mu.Lock()
	if _, exists := d.handlers[typ]; exists {
		logger.Warn("dispatch: handler for %q overridden", typ)
	}
	d.handlers[typ] = handler
	d.mu.Unlock()
}

// RegisterAll installs every entry of table. Later RegisterAll calls
// override earlier registrations sharing a type.
func (d *Dispatcher) RegisterAll(table map[string]Handler) {
	for typ, handler := range table {
		d.Register(typ, handler)
	}
}

// Dispatch routes one message. It reports whether a handler existed;
// an unknown type is not an error (the caller logs it). A handler error
// or panic is returned for the connection layer to classify.
func (d *Dispatcher) Dispatch(ctx context.Context, typ string, payload json.RawMessage, from Sender) (handled bool, err error) {
	d.mu.RLock()
	handler, ok := d.handlers[typ]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %q panicked: %v", typ, r)
		}
	}()
	return true, handler(ctx, from, payload)
}

// Types returns the registered message types, sorted, for status output.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for typ := range d.handlers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
