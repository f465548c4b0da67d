package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeSender struct {
	mu   sync.Mutex
	id   string
	sent []string
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(typ string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, typ)
	f.mu.Unlock()
	return nil
}

func TestDispatchUnknownType(t *testing.T) {
	d := New()
	invoked := false
	d.Register("known", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		invoked = true
		return nil
	})

	handled, err := d.Dispatch(context.Background(), "never-registered", nil, &fakeSender{id: "c1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handled {
		t.Error("Dispatch reported handled for unknown type")
	}
	if invoked {
		t.Error("handler invoked for a different type")
	}
}

func TestDispatchInvokesHandler(t *testing.T) {
	d := New()
	var gotPayload string
	var gotSender string
	d.Register("chat", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		gotPayload = s
		gotSender = from.ID()
		return nil
	})

	handled, err := d.Dispatch(context.Background(), "chat", json.RawMessage(`"hi"`), &fakeSender{id: "c7"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !handled {
		t.Error("Dispatch reported unhandled for registered type")
	}
	if gotPayload != "hi" {
		t.Errorf("payload = %q, want hi", gotPayload)
	}
	if gotSender != "c7" {
		t.Errorf("sender = %q, want c7", gotSender)
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	d := New()
	var calls []string
	d.Register("x", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		calls = append(calls, "first")
		return nil
	})
	d.Register("x", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		calls = append(calls, "second")
		return nil
	})

	if _, err := d.Dispatch(context.Background(), "x", nil, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "second" {
		t.Errorf("calls = %v, want [second] only", calls)
	}
}

func TestRegisterAllOverridesEarlier(t *testing.T) {
	d := New()
	hit := ""
	d.RegisterAll(map[string]Handler{
		"a": func(ctx context.Context, from Sender, payload json.RawMessage) error { hit = "a1"; return nil },
		"b": func(ctx context.Context, from Sender, payload json.RawMessage) error { hit = "b1"; return nil },
	})
	d.RegisterAll(map[string]Handler{
		"a": func(ctx context.Context, from Sender, payload json.RawMessage) error { hit = "a2"; return nil },
	})

	if _, err := d.Dispatch(context.Background(), "a", nil, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if hit != "a2" {
		t.Errorf("later RegisterAll did not override, hit = %q", hit)
	}

	if _, err := d.Dispatch(context.Background(), "b", nil, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if hit != "b1" {
		t.Errorf("untouched entry lost, hit = %q", hit)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.Register("f", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		return boom
	})

	handled, err := d.Dispatch(context.Background(), "f", nil, &fakeSender{})
	if !handled {
		t.Error("handled = false for registered type")
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := New()
	d.Register("p", func(ctx context.Context, from Sender, payload json.RawMessage) error {
		panic("handler bug")
	})

	handled, err := d.Dispatch(context.Background(), "p", nil, &fakeSender{})
	if !handled {
		t.Error("handled = false")
	}
	if err == nil {
		t.Error("panic not converted to error")
	}
}

func TestTypes(t *testing.T) {
	d := New()
	d.Register("b", func(ctx context.Context, from Sender, payload json.RawMessage) error { return nil })
	d.Register("a", func(ctx context.Context, from Sender, payload json.RawMessage) error { return nil })

	types := d.Types()
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("Types = %v, want [a b]", types)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	d := New()
	d.Register("n", func(ctx context.Context, from Sender, payload json.RawMessage) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := d.Dispatch(context.Background(), "n", nil, &fakeSender{}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
