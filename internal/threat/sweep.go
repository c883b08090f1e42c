package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

const (
	profilePrefix = "threat/profiles/"
	reputationKey = "threat/reputation"
	blocklistKey  = "threat/blocklist"
)

type blocklist struct {
	Addresses map[string]time.Time `json:"addresses"`
	Actors    map[string]time.Time `json:"actors"`
}

func profileKey(actor string) string { return profilePrefix + url.PathEscape(actor) }

// Sweep prunes stale window entries and aged-out state, then persists dirty
// profiles, the reputation snapshot and the blocklist. State is copied under
// the locks and written outside them.
func (e *Engine) Sweep(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := e.Config()
	now := e.now().UTC()
	horizon := now.Add(-cfg.Retention)

	e.mu.Lock()
	for addr, w := range e.failures {
		if w = pruneWindow(w, now.Add(-cfg.BruteForceWindow)); len(w) == 0 {
			delete(e.failures, addr)
		} else {
			e.failures[addr] = w
		}
	}
	for actor, w := range e.rates {
		if w = pruneWindow(w, now.Add(-cfg.RateWindow)); len(w) == 0 {
			delete(e.rates, actor)
		} else {
			e.rates[actor] = w
		}
	}
	for addr, rep := range e.reputation {
		if !rep.Blocked && rep.LastSeen.Before(horizon) {
			delete(e.reputation, addr)
		}
	}
	for k, t := range e.monitored {
		if t.Before(horizon) {
			delete(e.monitored, k)
		}
	}
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.Timestamp.Before(horizon) {
			delete(e.byID, ev.ID)
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
	reputation := make(map[string]models.AddressReputation, len(e.reputation))
	for addr, rep := range e.reputation {
		reputation[addr] = *rep
	}
	var blocks *blocklist
	if e.blockDirty {
		blocks = &blocklist{Addresses: copyTimes(e.blocked), Actors: copyTimes(e.disabled)}
		e.blockDirty = false
	}
	e.mu.Unlock()

	e.pmu.Lock()
	for actor, p := range e.profiles {
		if p.LastUpdated.Before(horizon) {
			delete(e.profiles, actor)
			delete(e.dirty, actor)
			e.removed[actor] = true
		}
	}
	profiles := make([]models.BehavioralProfile, 0, len(e.dirty))
	for actor := range e.dirty {
		profiles = append(profiles, cloneProfile(e.profiles[actor]))
	}
	removed := make([]string, 0, len(e.removed))
	for actor := range e.removed {
		removed = append(removed, actor)
	}
	e.dirty = make(map[string]bool)
	e.removed = make(map[string]bool)
	e.pmu.Unlock()

	if e.backend == nil {
		return nil
	}
	defer func() {
		if err != nil {
			e.requeue(profiles, removed, blocks)
		}
	}()

	for i := range profiles {
		if err := putJSON(ctx, e.backend, profileKey(profiles[i].ActorID), &profiles[i]); err != nil {
			return fmt.Errorf("persisting profile %s: %w", profiles[i].ActorID, err)
		}
	}
	for _, actor := range removed {
		if err := e.backend.Delete(ctx, profileKey(actor)); err != nil {
			return fmt.Errorf("removing profile %s: %w", actor, err)
		}
	}
	if err := putJSON(ctx, e.backend, reputationKey, reputation); err != nil {
		return fmt.Errorf("persisting reputation: %w", err)
	}
	if blocks != nil {
		if err := putJSON(ctx, e.backend, blocklistKey, blocks); err != nil {
			return fmt.Errorf("persisting blocklist: %w", err)
		}
	}
	e.log.Debug().Int("profiles", len(profiles)).Int("addresses", len(reputation)).Msg("threat state persisted")
	return nil
}

// requeue marks state that failed to persist so the next sweep retries it.
// Profiles updated since the snapshot are already dirty.
func (e *Engine) requeue(profiles []models.BehavioralProfile, removed []string, blocks *blocklist) {
	e.pmu.Lock()
	for _, p := range profiles {
		if _, ok := e.profiles[p.ActorID]; ok {
			e.dirty[p.ActorID] = true
		}
	}
	for _, actor := range removed {
		if _, ok := e.profiles[actor]; !ok {
			e.removed[actor] = true
		}
	}
	e.pmu.Unlock()
	if blocks != nil {
		e.mu.Lock()
		e.blockDirty = true
		e.mu.Unlock()
	}
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func putJSON(ctx context.Context, b storage.Backend, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(ctx, key, raw)
}

// Load restores profiles, reputation and block state persisted by Sweep.
func (e *Engine) Load(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	entries, err := e.backend.Scan(ctx, profilePrefix)
	if err != nil {
		return fmt.Errorf("scanning profiles: %w", err)
	}
	profiles := make(map[string]*models.BehavioralProfile, len(entries))
	for _, ent := range entries {
		var p models.BehavioralProfile
		if err := json.Unmarshal(ent.Value, &p); err != nil {
			e.log.Warn().Str("key", ent.Key).Err(err).Msg("skipping unreadable profile")
			continue
		}
		if p.Hours == nil {
			p.Hours = make(map[int]bool)
		}
		profiles[p.ActorID] = &p
	}

	reputation := make(map[string]*models.AddressReputation)
	raw, err := e.backend.Get(ctx, reputationKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading reputation: %w", err)
	default:
		var snap map[string]models.AddressReputation
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("decoding reputation: %w", err)
		}
		for addr, rep := range snap {
			r := rep
			reputation[addr] = &r
		}
	}

	var blocks blocklist
	raw, err = e.backend.Get(ctx, blocklistKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading blocklist: %w", err)
	default:
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return fmt.Errorf("decoding blocklist: %w", err)
		}
	}

	e.pmu.Lock()
	e.profiles = profiles
	e.dirty = make(map[string]bool)
	e.removed = make(map[string]bool)
	e.pmu.Unlock()

	e.mu.Lock()
	e.reputation = reputation
	e.blocked = copyTimes(blocks.Addresses)
	e.disabled = copyTimes(blocks.Actors)
	for addr := range e.blocked {
		if rep := e.reputation[addr]; rep != nil {
			rep.Blocked = true
		}
	}
	e.mu.Unlock()

	e.log.Info().
		Int("profiles", len(profiles)).
		Int("addresses", len(reputation)).
		Int("blocked", len(blocks.Addresses)).
		Int("disabled", len(blocks.Actors)).
		Msg("threat state loaded")
	return nil
}

// Run sweeps every SweepInterval until ctx is cancelled. A failing or
// panicking tick is logged and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.Config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.log.Info().Dur("interval", interval).Msg("threat sweep started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("threat sweep stopped")
			return nil
		case <-ticker.C:
			e.tick(ctx)
			if next := e.Config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.isolate("sweep", func() {
		if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			metrics.SweepFailures.Inc()
			e.log.Error().Err(err).Msg("threat sweep failed")
		}
	})
	for _, h := range e.hooks {
		e.isolate("hook", func() { h(ctx) })
	}
}

func (e *Engine) isolate(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepFailures.Inc()
			e.log.Error().Str("stage", stage).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("sweep tick panicked")
		}
	}()
	fn()
}
