// Package agent runs the autonomous objective loop. Start hands an
// objective to one worker goroutine that iterates against the model
// provider, records each exchange in the conversation store, and
// publishes progress on the event bus until the objective completes,
// the iteration budget runs out, the loop is stopped, or the provider
// fails.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/provider"
	"github.com/sschepis/oboto-server/internal/store"
)

const (
	systemPrompt = "You are operating autonomously. Work toward the stated objective step by step. " +
		"When the objective is fully achieved, include the line OBJECTIVE COMPLETE in your reply."
	continuePrompt   = "Continue working toward the objective."
	completionMarker = "OBJECTIVE COMPLETE"
)

// IterationResult describes the outcome of a single loop iteration.
type IterationResult int

const (
	// Continue indicates the loop should proceed to the next iteration.
	Continue IterationResult = iota

	// Complete indicates the objective was achieved.
	Complete

	// Failed indicates the iteration failed with a provider or store error.
	Failed

	// Cancelled indicates the loop was stopped before the objective was reached.
	Cancelled
)

// String returns the client-facing name of the result.
func (r IterationResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LoopState is a point-in-time snapshot of the loop, shaped for the
// loop_state envelope clients receive.
type LoopState struct {
	Running       bool   `json:"running"`
	Objective     string `json:"objective,omitempty"`
	Iteration     int    `json:"iteration"`
	LastResult    string `json:"lastResult,omitempty"`
	StoppedReason string `json:"stoppedReason,omitempty"`
}

// Emitter is the slice of the event bus the loop publishes on.
type Emitter interface {
	Emit(event string, payload any)
}

// Config bounds a loop run.
type Config struct {
	// MaxIterations caps provider round-trips per objective (default 16).
	MaxIterations int

	// HistoryLimit is how many stored conversation messages seed the
	// transcript (default 20).
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	return c
}

type workflowStart struct {
	Objective string `json:"objective"`
}

type workflowStep struct {
	Iteration int    `json:"iteration"`
	Content   string `json:"content"`
}

type workflowEnd struct {
	Objective  string `json:"objective"`
	Iterations int    `json:"iterations"`
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
}

// Loop drives one objective at a time. All methods are safe for
// concurrent use; Stop may be called from a bus handler running on the
// loop's own goroutine.
type Loop struct {
	base   context.Context
	client provider.Client
	store  *store.Store
	bus    Emitter
	cfg    Config

	mu            sync.Mutex
	running       bool
	objective     string
	iteration     int
	lastResult    IterationResult
	haveResult    bool
	stoppedReason string
	stopReason    string
	cancel        context.CancelFunc
}

var _ events.LoopController = (*Loop)(nil)

// New creates an idle Loop. ctx bounds every run it starts; cancelling
// it stops the loop the same way Stop does.
func New(ctx context.Context, client provider.Client, st *store.Store, bus Emitter, cfg Config) *Loop {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Loop{
		base:   ctx,
		client: client,
		store:  st,
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

// Start launches the worker goroutine for objective. It only fails
// synchronously on an empty objective or a loop that is already
// running; everything after launch is reported through events.
func (l *Loop) Start(objective string) error {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return fmt.Errorf("agent: objective is empty")
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("agent: loop already running")
	}
	ctx, cancel := context.WithCancel(l.base)
	l.running = true
	l.objective = objective
	l.iteration = 0
	l.haveResult = false
	l.stoppedReason = ""
	l.stopReason = ""
	l.cancel = cancel
	l.mu.Unlock()

	l.bus.Emit(events.EventWorkflowStarted, workflowStart{Objective: objective})
	l.emitState()

	go l.run(ctx, cancel, objective)
	return nil
}

// Stop requests the running loop halt. The first reason given wins and
// becomes the stopped reason; a stop on an idle loop is a no-op.
func (l *Loop) Stop(reason string) {
	if reason == "" {
		reason = "stopped"
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	if l.stopReason == "" {
		l.stopReason = reason
	}
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// State returns a snapshot of the loop.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := LoopState{
		Running:       l.running,
		Objective:     l.objective,
		Iteration:     l.iteration,
		StoppedReason: l.stoppedReason,
	}
	if l.haveResult {
		st.LastResult = l.lastResult.String()
	}
	return st
}

func (l *Loop) run(ctx context.Context, cancel context.CancelFunc, objective string) {
	defer cancel()

	conv, err := l.store.EnsureActive()
	if err != nil {
		l.finish(Failed, "conversation unavailable", err.Error())
		return
	}
	transcript := l.seedTranscript(conv.ID, objective)
	if _, err := l.store.AppendMessage(conv.ID, "user", objective); err != nil {
		logger.Warn("agent: recording objective failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			l.finish(Cancelled, "context cancelled", "")
			return
		default:
		}

		iter := l.advance()

		reply, err := l.client.Complete(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				l.finish(Cancelled, "context cancelled", "")
				return
			}
			if provider.IsAuth(err) {
				// The broadcaster reacts to this event by calling Stop,
				// which records the stop reason before finish runs.
				l.bus.Emit(events.EventProviderAuthFailed, err)
				l.finish(Failed, "provider authentication failed", err.Error())
				return
			}
			l.finish(Failed, "provider error", err.Error())
			return
		}

		if _, err := l.store.AppendMessage(conv.ID, "assistant", reply); err != nil {
			logger.Warn("agent: recording iteration %d failed: %v", iter, err)
		}
		transcript = append(transcript, provider.Message{Role: "assistant", Content: reply})

		l.bus.Emit(events.EventWorkflowStep, workflowStep{Iteration: iter, Content: reply})
		l.emitState()

		if strings.Contains(reply, completionMarker) {
			l.finish(Complete, "objective complete", "")
			return
		}
		if iter >= l.cfg.MaxIterations {
			l.finish(Continue, "iteration limit reached", "")
			return
		}

		transcript = append(transcript, provider.Message{Role: "user", Content: continuePrompt})
	}
}

// seedTranscript builds the initial provider transcript: the autonomy
// prompt, recent conversation history, then the objective itself.
func (l *Loop) seedTranscript(convID, objective string) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: systemPrompt}}

	history, err := l.store.History(convID, l.cfg.HistoryLimit)
	if err != nil {
		logger.Warn("agent: history unavailable: %v", err)
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	return append(msgs, provider.Message{Role: "user", Content: "Objective: " + objective})
}

func (l *Loop) advance() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration++
	return l.iteration
}

// finish transitions the loop to idle, resolves the stopped reason (an
// explicit Stop reason beats the loop's own fallback), and emits the
// terminal workflow event plus a final state snapshot.
func (l *Loop) finish(result IterationResult, fallback, errMsg string) {
	l.mu.Lock()
	l.running = false
	l.lastResult = result
	l.haveResult = true
	reason := l.stopReason
	if reason == "" {
		reason = fallback
	}
	l.stoppedReason = reason
	l.cancel = nil
	end := workflowEnd{
		Objective:  l.objective,
		Iterations: l.iteration,
		Reason:     reason,
	}
	l.mu.Unlock()

	if result == Failed {
		end.Error = errMsg
		l.bus.Emit(events.EventWorkflowFailed, end)
	} else {
		l.bus.Emit(events.EventWorkflowCompleted, end)
	}
	l.emitState()
}

func (l *Loop) emitState() {
	l.bus.Emit(events.EventAgentState, l.State())
}
