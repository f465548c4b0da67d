package term

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// termGrace is how long a killed process gets to clean up after
// SIGTERM before SIGKILL. The helper tier needs the grace period to
// tear down the shell it owns.
const termGrace = 3 * time.Second

// procSession is a shell driven over plain pipes, shared by the bridge
// and pipe tiers. Stdout and stderr are merged into one output stream;
// resize is a no-op because neither tier can change a window size
// after start.
type procSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	mode  Mode
	shell string
	dir   string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func startProc(cmd *exec.Cmd, mode Mode, opts SpawnOpts) (*procSession, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, outw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Stdout = outw
	cmd.Stderr = outw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		out.Close()
		outw.Close()
		return nil, err
	}
	// The child holds the write end now.
	outw.Close()

	s := &procSession{
		cmd:   cmd,
		stdin: stdin,
		mode:  mode,
		shell: opts.Shell,
		dir:   opts.Dir,
		done:  make(chan struct{}),
	}
	go s.readLoop(out, opts.OnData)
	go s.wait(opts.OnExit)
	return s, nil
}

func (s *procSession) readLoop(r io.ReadCloser, onData func([]byte)) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
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

func (s *procSession) wait(onExit func(int, string)) {
	s.cmd.Wait()
	close(s.done)
	code, signal := exitStatus(s.cmd.ProcessState)
	if onExit != nil {
		onExit(code, signal)
	}
}

func (s *procSession) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	stdin := s.stdin
	s.mu.Unlock()

	_, err := stdin.Write(data)
	return err
}

// Resize succeeds silently: the window size on these tiers is fixed at
// spawn time.
func (s *procSession) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *procSession) Kill() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()
	p := s.cmd.Process
	if p == nil {
		return
	}
	p.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(termGrace):
			p.Kill()
		}
	}()
}

func (s *procSession) Mode() Mode    { return s.mode }
func (s *procSession) Shell() string { return s.shell }
func (s *procSession) Dir() string   { return s.dir }
