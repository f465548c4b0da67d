package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/term"
)

// Terminal input is mostly keystrokes, but pastes can be large.
const terminalReadLimit = 1 << 20

// isLoopback accepts 127.0.0.0/8, ::1 and IPv4-mapped ::ffff:127.x
// peers. A missing or unparseable remote address is rejected, not
// excused.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// termConn serializes writes from the session callbacks and the
// handler goroutine onto one WebSocket connection. Shell output goes
// out as binary frames; control frames are JSON text.
type termConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *termConn) writeData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *termConn) writeControl(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Warn("web: terminal control frame marshal: %v", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.TextMessage, data)
}

// handleTerminal serves the shell socket. Only loopback peers may
// attach: the gate runs before the upgrade and before any process is
// spawned, and the rejected peer learns nothing beyond the 403.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !isLoopback(r.RemoteAddr) {
		logger.Warn("web: terminal rejected for non-loopback peer %q", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if s.deps.Terminals == nil {
		http.Error(w, "terminal unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("web: terminal upgrade failed: %v", err)
		return
	}
	s.runTerminal(conn, r)
}

// runTerminal owns one shell session for the life of one connection.
// Connection loss kills the process and process exit closes the
// connection, each exactly once; Kill is idempotent and the close goes
// through a sync.Once.
func (s *Server) runTerminal(conn *websocket.Conn, r *http.Request) {
	tc := &termConn{conn: conn}
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	sess, err := s.deps.Terminals.Spawn(term.SpawnOpts{
		Shell:  s.cfg.Shell,
		Dir:    s.cfg.WorkspaceDir,
		Cols:   queryInt(r, "cols"),
		Rows:   queryInt(r, "rows"),
		OnData: tc.writeData,
		OnExit: func(code int, signal string) {
			tc.writeControl(term.NewExitFrame(code, signal))
			closeConn()
		},
	})
	if err != nil {
		// Every tier failed; the peer gets one fatal frame and the close.
		logger.Error("web: terminal spawn failed: %v", err)
		tc.writeControl(term.NewErrorFrame(err.Error()))
		closeConn()
		return
	}

	tc.writeControl(term.NewReadyFrame(sess.Shell(), sess.Dir(), sess.Mode()))
	logger.Info("web: terminal session up on the %s tier for %s", sess.Mode(), r.RemoteAddr)

	conn.SetReadLimit(terminalReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		// A resize frame is consumed here; everything else, JSON
		// included, is shell input and forwards verbatim.
		if ctrl, ok := term.ParseControl(data); ok {
			if err := sess.Resize(ctrl.Cols, ctrl.Rows); err != nil {
				logger.Debug("web: terminal resize failed: %v", err)
			}
			continue
		}
		if err := sess.Write(data); err != nil {
			break
		}
	}

	sess.Kill()
	closeConn()
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
