package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/pkg/models"
)

// Notifier delivers alert and notify_admin actions.
type Notifier interface {
	Notify(ctx context.Context, action models.ResponseAction, ev models.SecurityEvent) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, action models.ResponseAction, ev models.SecurityEvent) error {
	n.Log.Error().
		Str("action", string(action)).
		Str("event_id", ev.ID).
		Str("category", string(ev.Category)).
		Str("severity", string(ev.Severity)).
		Str("actor", ev.ActorID).
		Str("address", ev.Address).
		Msg(ev.Description)
	return nil
}

var responseChains = map[models.Severity][]models.ResponseAction{
	models.SeverityInfo:   {models.ActionLog},
	models.SeverityLow:    {models.ActionLog, models.ActionMonitor},
	models.SeverityMedium: {models.ActionLog, models.ActionMonitor, models.ActionAlert},
	models.SeverityHigh:   {models.ActionLog, models.ActionMonitor, models.ActionAlert, models.ActionBlockSource},
	models.SeverityCritical: {
		models.ActionLog, models.ActionMonitor, models.ActionAlert,
		models.ActionBlockSource, models.ActionDisableActor, models.ActionNotifyAdmin,
	},
}

// ResponseChain returns the ordered actions for a severity.
func ResponseChain(sev models.Severity) []models.ResponseAction {
	return append([]models.ResponseAction(nil), responseChains[sev]...)
}

// ApplyResponse re-runs the response chain for a stored event. Actions that
// already succeeded for the event are skipped.
func (e *Engine) ApplyResponse(ctx context.Context, id string) error {
	e.mu.Lock()
	ev, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return ErrEventNotFound
	}
	return e.respond(ctx, ev)
}

// respond runs every action of the event's chain in order. A failing action
// is retried and then skipped; later actions still run.
func (e *Engine) respond(ctx context.Context, ev *models.SecurityEvent) error {
	cfg := e.Config()
	var errs []error
	for _, action := range responseChains[ev.Severity] {
		e.mu.Lock()
		done := containsAction(ev.Actions, action)
		e.mu.Unlock()
		if done {
			continue
		}
		err := e.withRetry(ctx, cfg, func() error { return e.execute(ctx, action, ev) })
		metrics.ResponseActions.WithLabelValues(string(action), metrics.Outcome(err)).Inc()
		if err != nil {
			e.log.Error().Err(err).Str("event_id", ev.ID).Str("action", string(action)).Msg("response action failed")
			errs = append(errs, fmt.Errorf("%s: %w", action, err))
			continue
		}
		e.mu.Lock()
		ev.Actions = append(ev.Actions, action)
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

func containsAction(list []models.ResponseAction, a models.ResponseAction) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

func (e *Engine) withRetry(ctx context.Context, cfg Config, fn func() error) error {
	var err error
	for attempt := 1; attempt <= cfg.ActionAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == cfg.ActionAttempts {
			break
		}
		if serr := e.sleep(ctx, time.Duration(attempt)*cfg.RetryBackoff); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) execute(ctx context.Context, action models.ResponseAction, ev *models.SecurityEvent) error {
	switch action {
	case models.ActionLog:
		if e.auditor == nil {
			return nil
		}
		snap := e.snapshot(ev)
		return e.auditor.LogSecurityEvent(ctx, &snap)
	case models.ActionMonitor:
		e.monitor(ev)
		return nil
	case models.ActionAlert, models.ActionNotifyAdmin:
		return e.notifier.Notify(ctx, action, e.snapshot(ev))
	case models.ActionBlockSource:
		if ev.Address == "" {
			return nil
		}
		e.blockAddress(ev.Address)
		return nil
	case models.ActionDisableActor:
		if ev.ActorID == "" {
			return nil
		}
		e.disableActor(ev.ActorID)
		return nil
	}
	return fmt.Errorf("unknown response action %q", action)
}

func (e *Engine) monitor(ev *models.SecurityEvent) {
	now := e.now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.ActorID != "" {
		e.monitored[actorKey(ev.ActorID)] = now
	}
	if ev.Address != "" {
		e.monitored[addressKey(ev.Address)] = now
	}
}

// blockAddress reports whether the address was newly blocked.
func (e *Engine) blockAddress(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.blocked[addr]; ok {
		return false
	}
	now := e.now().UTC()
	e.blocked[addr] = now
	rep, ok := e.reputation[addr]
	if !ok {
		rep = &models.AddressReputation{Address: addr, LastSeen: now}
		e.reputation[addr] = rep
	}
	rep.Blocked = true
	e.blockDirty = true
	e.log.Warn().Str("address", addr).Msg("source address blocked")
	return true
}

func (e *Engine) disableActor(actor string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.disabled[actor]; ok {
		return false
	}
	e.disabled[actor] = e.now().UTC()
	e.blockDirty = true
	e.log.Warn().Str("actor", actor).Msg("actor disabled")
	return true
}
