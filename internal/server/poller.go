package server

import (
	"context"
	"errors"
	"log"
	"time"

	"codecat/internal/automation"
	"codecat/internal/domain"
	"codecat/internal/engine"
)

const defaultPollInterval = 30 * time.Second

// completionPoller sweeps in-progress tasks and reconciles them against the
// automation backend. It backstops the inbound completion webhook: a missed
// delivery is picked up on the next sweep, and a delivery that raced the
// sweep loses the conditional status write and is dropped.
type completionPoller struct {
	engine   engine.Engine
	backend  automation.Backend
	interval time.Duration
}

// StartCompletionPoller launches the background sweep. A nil backend disables
// polling.
func StartCompletionPoller(e engine.Engine, backend automation.Backend, interval time.Duration) {
	if backend == nil {
		return
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &completionPoller{
		engine:   e,
		backend:  backend,
		interval: interval,
	}
	go p.run()
}

func (p *completionPoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.sweep()
		<-ticker.C
	}
}

func (p *completionPoller) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	tasks, err := p.engine.Repo.ListTasksByStatus(ctx, domain.TaskInProgress)
	if err != nil {
		log.Printf("poller: list tasks failed: %v", err)
		return
	}
	for _, t := range tasks {
		if t.SessionID == nil || *t.SessionID == "" {
			continue
		}
		p.reconcile(ctx, t)
	}
}

func (p *completionPoller) reconcile(ctx context.Context, t domain.Task) {
	status, err := p.backend.Session(ctx, *t.SessionID)
	if err != nil {
		log.Printf("poller: session %s lookup failed: %v", *t.SessionID, err)
		return
	}
	var outcome engine.CompletionOutcome
	switch status.State {
	case "succeeded":
		outcome = engine.CompletionOutcome{Success: true, ResultURL: status.ResultURL}
	case "failed":
		outcome = engine.CompletionOutcome{Reason: status.Error}
	default:
		return
	}
	if _, err := p.engine.ApplyCompletionSignal(ctx, t.ID, outcome); err != nil {
		if errors.Is(err, engine.ErrStaleTransition) {
			// Someone else already applied a terminal status.
			return
		}
		log.Printf("poller: apply completion for task %s failed: %v", t.ID, err)
	}
}
