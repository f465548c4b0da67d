package term

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// nativeSession drives a shell on a pseudo-terminal owned by this
// process. This is the only tier with a live window size.
type nativeSession struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	shell string
	dir   string

	mu     sync.Mutex
	closed bool
}

func spawnNative(opts SpawnOpts) (Session, error) {
	cmd := exec.Command(opts.Shell)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, err
	}

	s := &nativeSession{cmd: cmd, ptmx: ptmx, shell: opts.Shell, dir: opts.Dir}
	go s.readLoop(opts.OnData)
	go s.wait(opts.OnExit)
	return s, nil
}

func (s *nativeSession) readLoop(onData func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := s.read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *nativeSession) read(buf []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, os.ErrClosed
	}
	f := s.ptmx
	s.mu.Unlock()
	return f.Read(buf)
}

func (s *nativeSession) wait(onExit func(int, string)) {
	s.cmd.Wait()
	code, signal := exitStatus(s.cmd.ProcessState)
	s.Kill()
	if onExit != nil {
		onExit(code, signal)
	}
}

func (s *nativeSession) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	f := s.ptmx
	s.mu.Unlock()

	_, err := f.Write(data)
	return err
}

func (s *nativeSession) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func (s *nativeSession) Kill() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ptmx := s.ptmx
	s.mu.Unlock()

	if p := s.cmd.Process; p != nil {
		p.Kill()
	}
	ptmx.Close()
}

func (s *nativeSession) Mode() Mode    { return ModePTY }
func (s *nativeSession) Shell() string { return s.shell }
func (s *nativeSession) Dir() string   { return s.dir }
