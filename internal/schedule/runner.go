// Package schedule fires stored recurring schedules. A Runner polls the
// store for due entries, advances their next run, and announces each
// firing on the event bus.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/store"
)

const defaultPollInterval = 30 * time.Second

// Emitter is the slice of the event bus the runner publishes on.
type Emitter interface {
	Emit(event string, payload any)
}

type triggerPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Runner polls for due schedules on a fixed interval.
type Runner struct {
	store    *store.Store
	bus      Emitter
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates an idle Runner. A non-positive interval selects the
// 30 second default.
func NewRunner(st *store.Store, bus Emitter, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Runner{store: st, bus: bus, interval: interval}
}

// Start launches the polling goroutine. Starting a running Runner is a
// no-op. The goroutine exits when ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		logger.Debug("schedule: polling every %s", r.interval)
		for {
			select {
			case now := <-ticker.C:
				r.fire(now)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling and waits for the goroutine to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
}

// fire triggers every schedule due at now. Each schedule is advanced
// before its event goes out, so a failure to advance skips the firing
// and leaves the schedule due for the next poll.
func (r *Runner) fire(now time.Time) {
	due, err := r.store.DueSchedules(now)
	if err != nil {
		logger.Warn("schedule: due query failed: %v", err)
		return
	}

	for _, sched := range due {
		if err := r.store.MarkTriggered(sched.ID, now); err != nil {
			logger.Warn("schedule: advancing %s failed: %v", sched.ID, err)
			continue
		}
		r.bus.Emit(events.EventScheduleTriggered, triggerPayload{
			ID:          sched.ID,
			Name:        sched.Name,
			TriggeredAt: now.UTC(),
		})
		logger.Info("schedule: triggered %s (%s)", sched.Name, sched.ID)
	}
}
