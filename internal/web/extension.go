package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/sschepis/oboto-server/internal/bridge"
	"github.com/sschepis/oboto-server/internal/logger"
)

// extensionPeer adapts one WebSocket connection to the bridge's peer
// surface. Sends are serialized; the bridge may call Send from many
// goroutines at once.
type extensionPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ bridge.Peer = (*extensionPeer)(nil)

func (p *extensionPeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// handleExtension serves the browser-extension socket. Loopback-gated
// like the terminal; once attached the bridge owns correlation and
// this handler just moves frames. Disconnect detaches the peer, which
// rejects everything still pending.
func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !isLoopback(r.RemoteAddr) {
		logger.Warn("web: extension rejected for non-loopback peer %q", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if s.deps.Bridge == nil {
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("web: extension upgrade failed: %v", err)
		return
	}

	peer := &extensionPeer{conn: conn}
	s.replaceExtensionConn(conn)
	s.deps.Bridge.Attach(peer)
	defer func() {
		s.deps.Bridge.DetachPeer(peer)
		s.clearExtensionConn(conn)
		conn.Close()
	}()
	logger.Info("web: extension attached from %s", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("web: extension disconnected: %v", err)
			return
		}
		s.deps.Bridge.HandleFrame(data)
	}
}

// replaceExtensionConn closes any previous extension socket so its
// handler unwinds; the bridge has already rejected its pending work.
func (s *Server) replaceExtensionConn(conn *websocket.Conn) {
	s.extMu.Lock()
	prev := s.extConn
	s.extConn = conn
	s.extMu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (s *Server) clearExtensionConn(conn *websocket.Conn) {
	s.extMu.Lock()
	if s.extConn == conn {
		s.extConn = nil
	}
	s.extMu.Unlock()
}
