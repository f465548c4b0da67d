package term

import (
	"encoding/json"
	"testing"
)

func TestParseControl(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Control
		ok   bool
	}{
		{
			name: "resize",
			in:   `{"type":"resize","cols":120,"rows":40}`,
			want: Control{Type: "resize", Cols: 120, Rows: 40},
			ok:   true,
		},
		{
			name: "resize with surrounding whitespace",
			in:   "  {\"type\":\"resize\",\"cols\":1,\"rows\":1}\n",
			want: Control{Type: "resize", Cols: 1, Rows: 1},
			ok:   true,
		},
		{name: "zero cols", in: `{"type":"resize","cols":0,"rows":40}`},
		{name: "negative rows", in: `{"type":"resize","cols":80,"rows":-1}`},
		{name: "missing dimensions", in: `{"type":"resize"}`},
		{name: "string dimensions", in: `{"type":"resize","cols":"80","rows":"24"}`},
		{name: "other json object", in: `{"type":"ping"}`},
		{name: "json array", in: `[1,2,3]`},
		{name: "braces but not json", in: `{not a command}`},
		{name: "plain shell input", in: "ls -la\n"},
		{name: "empty", in: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseControl([]byte(tt.in))
			if ok != tt.ok {
				t.Fatalf("ParseControl(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseControl(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReadyFrameShape(t *testing.T) {
	data, err := json.Marshal(NewReadyFrame("/bin/zsh", "/work", ModeBridge))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"ready","shell":"/bin/zsh","cwd":"/work","mode":"bridge"}`
	if string(data) != want {
		t.Errorf("ready frame = %s, want %s", data, want)
	}
}

func TestExitFrameOmitsEmptySignal(t *testing.T) {
	data, err := json.Marshal(NewExitFrame(0, ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"exit","exitCode":0}` {
		t.Errorf("clean exit frame = %s", data)
	}

	data, err = json.Marshal(NewExitFrame(-1, "SIGKILL"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"exit","exitCode":-1,"signal":"SIGKILL"}`
	if string(data) != want {
		t.Errorf("signaled exit frame = %s, want %s", data, want)
	}
}
