package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sschepis/oboto-server/internal/config"
	"github.com/sschepis/oboto-server/internal/term"
)

// fakeSession records shell traffic without a real process.
type fakeSession struct {
	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]int
	killed  bool
	shell   string
	dir     string
	mode    term.Mode
}

func (s *fakeSession) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSession) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return nil
}

func (s *fakeSession) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
}

func (s *fakeSession) Mode() term.Mode { return s.mode }
func (s *fakeSession) Shell() string   { return s.shell }
func (s *fakeSession) Dir() string     { return s.dir }

func (s *fakeSession) wasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *fakeSession) inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *fakeSession) sizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// fakeSpawner hands out fake sessions and records the spawn options.
type fakeSpawner struct {
	mu     sync.Mutex
	mode   term.Mode
	shell  string
	err    error
	spawns int
	sess   *fakeSession
	opts   term.SpawnOpts
}

func (f *fakeSpawner) Spawn(opts term.SpawnOpts) (term.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.err != nil {
		return nil, f.err
	}
	shell := f.shell
	if shell == "" {
		shell = "/bin/sh"
	}
	sess := &fakeSession{shell: shell, dir: opts.Dir, mode: f.mode}
	f.sess = sess
	f.opts = opts
	return sess, nil
}

func (f *fakeSpawner) degrade(mode term.Mode, shell string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode, f.shell = mode, shell
}

func (f *fakeSpawner) refuse(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeSpawner) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeSpawner) lastOpts() term.SpawnOpts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:52000", true},
		{"127.8.4.4:80", true},
		{"[::1]:7000", true},
		{"[::ffff:127.0.0.5]:7000", true},
		{"203.0.113.7:5000", false},
		{"[2001:db8::1]:443", false},
		{"10.0.0.1:80", false},
		{"localhost:80", false},
		{"127.0.0.1", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isLoopback(tc.addr), "addr %q", tc.addr)
	}
}

func TestTerminalRejectsNonLoopbackPeer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WorkspaceDir = t.TempDir()
	spawner := &fakeSpawner{mode: term.ModePTY}
	srv := NewServer(context.Background(), cfg, Deps{Terminals: spawner})

	req := httptest.NewRequest(http.MethodGet, "/terminal", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	srv.handleTerminal(rec, req, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, spawner.count(), "no shell may start for a rejected peer")
}

func readControlFrame(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType, "control frames are JSON text")
	require.NoError(t, json.Unmarshal(data, out))
}

func readReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var ready struct {
		Type string `json:"type"`
	}
	readControlFrame(t, conn, &ready)
	require.Equal(t, "ready", ready.Type)
}

func TestTerminalReadyFrameReportsTier(t *testing.T) {
	f := newFixture(t)
	f.spawner.degrade(term.ModeBridge, "/bin/zsh")

	conn := dialSocket(t, f.srv, "/terminal?cols=120&rows=40")

	var ready struct {
		Type  string `json:"type"`
		Shell string `json:"shell"`
		Cwd   string `json:"cwd"`
		Mode  string `json:"mode"`
	}
	readControlFrame(t, conn, &ready)
	assert.Equal(t, "ready", ready.Type)
	assert.Equal(t, "bridge", ready.Mode)
	assert.Equal(t, "/bin/zsh", ready.Shell)
	assert.NotEmpty(t, ready.Cwd)

	opts := f.spawner.lastOpts()
	assert.Equal(t, 120, opts.Cols)
	assert.Equal(t, 40, opts.Rows)
}

func TestTerminalInterceptsOnlyResizeFrames(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f.srv, "/terminal")
	readReady(t, conn)
	sess := f.spawner.last()
	require.NotNil(t, sess)

	// A well-formed resize is swallowed; a malformed one and JSON of
	// any other shape are shell input, byte for byte.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":100,"rows":30}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":0,"rows":30}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"value":"json but not a resize"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls -la\n")))

	require.Eventually(t, func() bool { return len(sess.inputs()) == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		`{"type":"resize","cols":0,"rows":30}`,
		`{"value":"json but not a resize"}`,
		"ls -la\n",
	}, sess.inputs())
	assert.Equal(t, [][2]int{{100, 30}}, sess.sizes())
}

func TestTerminalOutputIsBinary(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f.srv, "/terminal")
	readReady(t, conn)

	// Raw shell bytes need not be valid UTF-8.
	f.spawner.lastOpts().OnData([]byte{0x1b, '[', 'H', 0xff, 0xfe})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{0x1b, '[', 'H', 0xff, 0xfe}, data)
}

func TestTerminalExitFrameThenClose(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f.srv, "/terminal")
	readReady(t, conn)

	f.spawner.lastOpts().OnExit(3, "")

	var exit struct {
		Type     string `json:"type"`
		ExitCode int    `json:"exitCode"`
	}
	readControlFrame(t, conn, &exit)
	assert.Equal(t, "exit", exit.Type)
	assert.Equal(t, 3, exit.ExitCode)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server closes the socket after exit")
}

func TestTerminalDisconnectKillsSession(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f.srv, "/terminal")
	readReady(t, conn)
	sess := f.spawner.last()
	require.NotNil(t, sess)

	conn.Close()
	assert.Eventually(t, sess.wasKilled, 2*time.Second, 10*time.Millisecond)
}

func TestTerminalSpawnFailureSendsErrorFrame(t *testing.T) {
	f := newFixture(t)
	f.spawner.refuse(errors.New("no usable shell"))

	conn := dialSocket(t, f.srv, "/terminal")

	var fatal struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	readControlFrame(t, conn, &fatal)
	assert.Equal(t, "error", fatal.Type)
	assert.Equal(t, "no usable shell", fatal.Message)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
