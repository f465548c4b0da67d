package term

import (
	"bytes"
	"encoding/json"
)

// Control is an inbound frame intercepted by the terminal layer instead
// of being written to the shell. Resize is the only recognized verb.
type Control struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Outbound terminal frames, shared by every tier.
type ReadyFrame struct {
	Type  string `json:"type"`
	Shell string `json:"shell"`
	Cwd   string `json:"cwd"`
	Mode  Mode   `json:"mode"`
}

type ExitFrame struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewReadyFrame announces an established session and which tier serves it.
func NewReadyFrame(shell, cwd string, mode Mode) ReadyFrame {
	return ReadyFrame{Type: "ready", Shell: shell, Cwd: cwd, Mode: mode}
}

// NewExitFrame announces process exit.
func NewExitFrame(code int, signal string) ExitFrame {
	return ExitFrame{Type: "exit", ExitCode: code, Signal: signal}
}

// NewErrorFrame carries a fatal terminal-side failure to the client.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: message}
}

// ParseControl decides whether an inbound chunk is a control frame.
// Detection is a full parse: only a valid JSON object with type
// "resize" and positive numeric cols and rows qualifies. Anything else
// is shell input and must be forwarded verbatim, including JSON of a
// different shape. Input that happens to be exactly a well-formed
// resize frame is indistinguishable from the real thing and is
// swallowed.
func ParseControl(data []byte) (Control, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Control{}, false
	}

	var c Control
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Control{}, false
	}
	if c.Type == "resize" && c.Cols > 0 && c.Rows > 0 {
		return c, true
	}
	return Control{}, false
}
