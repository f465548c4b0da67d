// Package auxserver exposes a loopback-only TCP control endpoint
// speaking JSON lines. Local tooling uses it to inspect server status,
// inject a broadcast, or request a graceful shutdown without going
// through the WebSocket surface.
package auxserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sschepis/oboto-server/internal/logger"
)

const defaultMaxConns = 8

// Broadcaster fans a typed payload out to every connected client.
type Broadcaster interface {
	Broadcast(typ string, payload any)
}

type command struct {
	Command string          `json:"command"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Status   any    `json:"status,omitempty"`
	Stopping bool   `json:"stopping,omitempty"`
}

// Server is the auxiliary control server. Construct with NewServer,
// then Start to bind; Stop is idempotent.
type Server struct {
	status      func() any
	caster      Broadcaster
	requestStop func()

	listener net.Listener
	port     int

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	maxConns int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer wires the control surface. status supplies the status
// command's body, caster serves broadcast commands, and requestStop is
// invoked when a client asks for shutdown.
func NewServer(status func() any, caster Broadcaster, requestStop func()) *Server {
	return &Server{
		status:      status,
		caster:      caster,
		requestStop: requestStop,
		conns:       make(map[net.Conn]struct{}),
		maxConns:    defaultMaxConns,
		stopChan:    make(chan struct{}),
	}
}

// Start binds 127.0.0.1:port and launches the accept loop. Port 0
// binds an ephemeral port; Port reports the bound one either way.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("auxserver is already running")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on auxiliary port %d: %w", port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Info("auxserver: listening on 127.0.0.1:%d (max connections: %d)", s.port, s.maxConns)
	return nil
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	return s.port
}

// Stop closes the listener and every open connection, then waits for
// the handler goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Error("auxserver: closing listener: %v", err)
			}
		}

		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		logger.Info("auxserver: stopped")
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		// The deadline keeps the loop checking stopChan periodically.
		s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(1 * time.Second))

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			logger.Error("auxserver: accept: %v", err)
			continue
		}

		if !s.trackConn(conn) {
			logger.Warn("auxserver: connection limit reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if len(s.conns) >= s.maxConns {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConn serves one JSON line per command until the peer hangs up.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			enc.Encode(response{Error: fmt.Sprintf("malformed command: %v", err)})
			continue
		}

		stop := s.handleCommand(enc, cmd)
		if stop {
			return
		}
	}
}

// handleCommand writes exactly one response line. A true return closes
// the connection afterwards.
func (s *Server) handleCommand(enc *json.Encoder, cmd command) bool {
	switch cmd.Command {
	case "status":
		var body any
		if s.status != nil {
			body = s.status()
		}
		enc.Encode(response{OK: true, Status: body})

	case "broadcast":
		if cmd.Type == "" {
			enc.Encode(response{Error: "broadcast requires a type"})
			return false
		}
		if s.caster == nil {
			enc.Encode(response{Error: "broadcast unavailable"})
			return false
		}
		s.caster.Broadcast(cmd.Type, cmd.Payload)
		enc.Encode(response{OK: true})

	case "stop":
		enc.Encode(response{OK: true, Stopping: true})
		if s.requestStop != nil {
			s.requestStop()
		}
		return true

	default:
		enc.Encode(response{Error: fmt.Sprintf("unknown command: %q", cmd.Command)})
	}
	return false
}
