// Package web is the client-facing surface: the HTTP server, the
// WebSocket connection handler with its ordered connect snapshot, the
// dispatcher handler table, and the loopback-gated terminal and
// extension sockets.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/sschepis/oboto-server/internal/agent"
	"github.com/sschepis/oboto-server/internal/auxserver"
	"github.com/sschepis/oboto-server/internal/bridge"
	"github.com/sschepis/oboto-server/internal/config"
	"github.com/sschepis/oboto-server/internal/dispatch"
	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/plugins"
	"github.com/sschepis/oboto-server/internal/protocol"
	"github.com/sschepis/oboto-server/internal/provider"
	"github.com/sschepis/oboto-server/internal/store"
	"github.com/sschepis/oboto-server/internal/term"
	"github.com/sschepis/oboto-server/internal/workspace"
)

// TerminalSpawner starts shell sessions for /terminal connections.
// *term.Manager is the production implementation.
type TerminalSpawner interface {
	Spawn(opts term.SpawnOpts) (term.Session, error)
}

var _ TerminalSpawner = (*term.Manager)(nil)

// Deps are the shared collaborators the connection handler, the
// snapshot, and the dispatcher handlers reach. A nil collaborator
// disables its snapshot item and handlers; it never crashes the
// connection.
type Deps struct {
	Store      *store.Store
	Workspace  *workspace.Workspace
	Provider   provider.Client
	Estimator  *provider.Estimator
	Classifier events.Classifier
	Loop       *agent.Loop
	Bridge     *bridge.Bridge
	Bus        *events.Bus
	Plugins    *plugins.Registry
	Aux        *auxserver.Server
	Terminals  TerminalSpawner
}

type bridgeStatus struct {
	Connected bool `json:"connected"`
	Pending   int  `json:"pending"`
}

type statusReport struct {
	Connections int             `json:"connections"`
	Loop        agent.LoopState `json:"loop"`
	Bridge      bridgeStatus    `json:"bridge"`
	Model       string          `json:"model,omitempty"`
	Workspace   string          `json:"workspace"`
}

// Server is the web server: /ws for clients, /terminal and /extension
// loopback-gated, /health and /api/status over plain HTTP.
type Server struct {
	cfg        *config.Config
	deps       Deps
	hub        *Hub
	dispatcher *dispatch.Dispatcher
	handlers   *Handlers
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	baseCtx    context.Context

	extMu   sync.Mutex
	extConn *websocket.Conn
}

// NewServer wires the handler table and routes. Start brings the
// listener up.
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		hub:     NewHub(),
		baseCtx: ctx,
		router:  httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.handlers = newHandlers(cfg, deps)
	s.dispatcher = dispatch.New()
	s.dispatcher.RegisterAll(s.handlers.table())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleClientSocket)
	s.router.GET("/terminal", s.handleTerminal)
	s.router.GET("/extension", s.handleExtension)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
}

// Start binds the configured address and serves until Stop. Port 0
// picks a free port, readable from Addr afterwards.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router}

	go s.hub.Run()
	go func() {
		logger.Info("web: listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("web: http server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop() error {
	logger.Info("web: stopping server")
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr()
	}
	return s.listener.Addr().String()
}

// Hub exposes the fan-out surface for the broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// SetAux attaches the auxiliary control socket whose port the connect
// snapshot advertises. The aux server consumes this server's status
// and broadcaster, so it cannot exist before NewServer; call SetAux
// before Start.
func (s *Server) SetAux(aux *auxserver.Server) {
	s.deps.Aux = aux
}

// Dispatcher exposes handler registration for feature modules.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Status summarizes the running server for /api/status and the
// auxiliary control socket.
func (s *Server) Status() any {
	report := statusReport{
		Connections: s.hub.ClientCount(),
		Workspace:   s.cfg.WorkspaceDir,
	}
	if s.deps.Workspace != nil {
		report.Workspace = s.deps.Workspace.Root()
	}
	if s.deps.Loop != nil {
		report.Loop = s.deps.Loop.State()
	}
	if s.deps.Bridge != nil {
		report.Bridge = bridgeStatus{
			Connected: s.deps.Bridge.Connected(),
			Pending:   s.deps.Bridge.Pending(),
		}
	}
	if s.deps.Provider != nil {
		report.Model = s.deps.Provider.Model()
	}
	return report
}

// handleClientSocket upgrades /ws, registers the client, delivers the
// connect snapshot, and runs the pumps until disconnect.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("web: upgrade failed: %v", err)
		return
	}

	client := newClient(s.baseCtx, s.hub, conn)
	s.hub.Register(client)

	go client.writePump()
	go func() {
		s.sendSnapshot(client)
		client.readPump(s)
	}()
}

// handleInbound parses one frame and routes it through the dispatcher.
// A malformed frame or unknown type is logged, never answered; a
// handler failure is classified and reported to the sender.
func (s *Server) handleInbound(c *Client, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		logger.Warn("web: client %s sent malformed frame: %v", c.id, err)
		return
	}

	handled, err := s.dispatcher.Dispatch(c.ctx, env.Type, env.Payload, c)
	if !handled {
		logger.Warn("web: client %s sent unknown type %q", c.id, env.Type)
		return
	}
	if err != nil {
		logger.Error("web: %s handler failed for client %s: %v", env.Type, c.id, err)
		s.handlers.replyFailure(c, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		logger.Error("web: status encode failed: %v", err)
	}
}
