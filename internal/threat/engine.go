// Package threat implements the threat detection engine: sliding-window
// brute-force and rate-abuse counters, privilege-escalation and exfiltration
// heuristics, behavioral anomaly detection against per-actor profiles, an
// automated response chain, and the periodic sweep that persists state.
package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/ids"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

// ErrEventNotFound is returned by Resolve and ApplyResponse for unknown ids.
var ErrEventNotFound = errors.New("security event not found")

// Auditor receives every security event. *audit.Logger satisfies it.
type Auditor interface {
	LogSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg atomic.Pointer[Config]

	// mu guards the sliding windows, block state, reputation and events.
	mu         sync.Mutex
	failures   map[string][]time.Time
	rates      map[string][]time.Time
	blocked    map[string]time.Time
	disabled   map[string]time.Time
	monitored  map[string]time.Time
	reputation map[string]*models.AddressReputation
	events     []*models.SecurityEvent
	byID       map[string]*models.SecurityEvent
	blockDirty bool

	// pmu guards the behavioral profiles.
	pmu      sync.RWMutex
	profiles map[string]*models.BehavioralProfile
	dirty    map[string]bool
	removed  map[string]bool

	backend  storage.Backend
	notifier Notifier
	auditor  Auditor
	hooks    []func(context.Context)
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.auditor = a } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithTickHook runs fn on every Run tick after the sweep, with the same
// panic isolation.
func WithTickHook(fn func(context.Context)) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// NewEngine returns an engine persisting to backend. A nil backend keeps
// all state in memory.
func NewEngine(cfg Config, backend storage.Backend, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		failures:   make(map[string][]time.Time),
		rates:      make(map[string][]time.Time),
		blocked:    make(map[string]time.Time),
		disabled:   make(map[string]time.Time),
		monitored:  make(map[string]time.Time),
		reputation: make(map[string]*models.AddressReputation),
		byID:       make(map[string]*models.SecurityEvent),
		profiles:   make(map[string]*models.BehavioralProfile),
		dirty:      make(map[string]bool),
		removed:    make(map[string]bool),
		backend:    backend,
		log:        log.With().Str("component", "threat").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	e.cfg.Store(&cfg)
	for _, o := range opts {
		o(e)
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Log: e.log}
	}
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// UpdateConfig validates and applies cfg. On error the old configuration stays.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(&cfg)
	e.log.Info().
		Int("brute_force_threshold", cfg.BruteForceThreshold).
		Int("rate_threshold", cfg.RateThreshold).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("threat configuration updated")
	return nil
}

func (e *Engine) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return e.now().UTC()
	}
	return t.UTC()
}

// pruneWindow drops timestamps at or before cutoff. Windows are appended in
// arrival order, so callers sort only when an older event arrives late.
func pruneWindow(w []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(w), func(i int) bool { return w[i].After(cutoff) })
	if i == 0 {
		return w
	}
	return append(w[:0], w[i:]...)
}

func insertSorted(w []time.Time, t time.Time) []time.Time {
	if n := len(w); n == 0 || !t.Before(w[n-1]) {
		return append(w, t)
	}
	i := sort.Search(len(w), func(i int) bool { return w[i].After(t) })
	w = append(w, time.Time{})
	copy(w[i+1:], w[i:])
	w[i] = t
	return w
}

func (e *Engine) newEvent(cat models.ThreatCategory, sev models.Severity, actor, addr string, ts time.Time, desc string, details map[string]any) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:          ids.NewUUID(),
		Timestamp:   ts,
		Category:    cat,
		Severity:    sev,
		ActorID:     actor,
		Address:     addr,
		Description: desc,
		Details:     details,
	}
}

// recordLocked stores ev and trims the event list. Callers hold e.mu.
func (e *Engine) recordLocked(ev *models.SecurityEvent) {
	e.events = append(e.events, ev)
	e.byID[ev.ID] = ev
	if max := e.Config().MaxEvents; max > 0 && len(e.events) > max {
		drop := len(e.events) - max
		for _, old := range e.events[:drop] {
			delete(e.byID, old.ID)
		}
		e.events = append(e.events[:0:0], e.events[drop:]...)
	}
	metrics.SecurityEvents.WithLabelValues(string(ev.Category), string(ev.Severity)).Inc()
}

func (e *Engine) touchReputationLocked(addr string, ts time.Time) *models.AddressReputation {
	rep, ok := e.reputation[addr]
	if !ok {
		rep = &models.AddressReputation{Address: addr}
		e.reputation[addr] = rep
	}
	rep.Events++
	if ts.After(rep.LastSeen) {
		rep.LastSeen = ts
	}
	return rep
}

func (e *Engine) watchedLocked(actor, addr string) bool {
	_, a := e.monitored[actorKey(actor)]
	_, b := e.monitored[addressKey(addr)]
	return (actor != "" && a) || (addr != "" && b)
}

func actorKey(actor string) string  { return "actor:" + actor }
func addressKey(addr string) string { return "address:" + addr }

// RecordAuth ingests one authentication outcome and returns the security
// events it produced. The response chain runs before RecordAuth returns;
// action failures are reported in the error while the events are still
// returned.
func (e *Engine) RecordAuth(ctx context.Context, ev models.AuthEvent) ([]models.SecurityEvent, error) {
	cfg := e.Config()
	ts := e.stamp(ev.Timestamp)
	var emitted []*models.SecurityEvent

	e.mu.Lock()
	failures := 0
	if ev.Address != "" {
		rep := e.touchReputationLocked(ev.Address, ts)
		w := pruneWindow(e.failures[ev.Address], ts.Add(-cfg.BruteForceWindow))
		if ev.Success {
			rep.Successes++
		} else {
			rep.Failures++
			w = insertSorted(w, ts)
			if len(w) == cfg.BruteForceThreshold {
				emitted = append(emitted, e.newEvent(models.ThreatBruteForce, models.SeverityHigh, ev.ActorID, ev.Address, ts,
					fmt.Sprintf("%d failed authentications from %s within %s", len(w), ev.Address, cfg.BruteForceWindow),
					map[string]any{"failures": len(w), "window": cfg.BruteForceWindow.String()}))
			}
		}
		failures = len(w)
		if len(w) == 0 {
			delete(e.failures, ev.Address)
		} else {
			e.failures[ev.Address] = w
		}
	}
	if ev.Success && failures >= cfg.BruteForceThreshold {
		emitted = append(emitted, e.newEvent(models.ThreatAccountTakeover, models.SeverityCritical, ev.ActorID, ev.Address, ts,
			fmt.Sprintf("successful authentication for %s after %d recent failures from %s", ev.ActorID, failures, ev.Address),
			map[string]any{"failures": failures}))
	}
	watched := e.watchedLocked(ev.ActorID, ev.Address)
	e.mu.Unlock()

	if ev.ActorID != "" {
		emitted = append(emitted, e.observeProfile(ev, ts, cfg)...)
	}
	if watched {
		e.log.Info().Str("actor", ev.ActorID).Str("address", ev.Address).Bool("success", ev.Success).Msg("monitored authentication")
	}
	return e.finish(ctx, emitted)
}

// observeProfile compares a successful authentication with the actor's
// established profile, then folds the observation into it. Actors without a
// prior success have no baseline and produce no anomalies.
func (e *Engine) observeProfile(ev models.AuthEvent, ts time.Time, cfg Config) []*models.SecurityEvent {
	e.pmu.Lock()
	defer e.pmu.Unlock()

	p, ok := e.profiles[ev.ActorID]
	if !ok {
		p = &models.BehavioralProfile{ActorID: ev.ActorID, Hours: make(map[int]bool)}
		e.profiles[ev.ActorID] = p
	}
	e.dirty[ev.ActorID] = true
	delete(e.removed, ev.ActorID)
	p.LastUpdated = ts

	if !ev.Success {
		p.Failures++
		return nil
	}

	var out []*models.SecurityEvent
	hour := ts.Hour()
	if p.Successes > 0 {
		if !p.Hours[hour] {
			out = append(out, e.newEvent(models.ThreatAnomalousBehavior, models.SeverityLow, ev.ActorID, ev.Address, ts,
				fmt.Sprintf("authentication for %s at unusual hour %02d:00 UTC", ev.ActorID, hour),
				map[string]any{"signal": "hour", "hour": hour}))
		}
		if ev.Address != "" && !contains(p.Addresses, ev.Address) {
			out = append(out, e.newEvent(models.ThreatSuspiciousAccess, models.SeverityMedium, ev.ActorID, ev.Address, ts,
				fmt.Sprintf("authentication for %s from new address %s", ev.ActorID, ev.Address),
				map[string]any{"signal": "address"}))
		}
		if ev.ClientSignature != "" && !contains(p.Clients, ev.ClientSignature) {
			out = append(out, e.newEvent(models.ThreatAnomalousBehavior, models.SeverityLow, ev.ActorID, ev.Address, ts,
				fmt.Sprintf("authentication for %s from new client", ev.ActorID),
				map[string]any{"signal": "client", "client": ev.ClientSignature}))
		}
	}

	p.Successes++
	p.Hours[hour] = true
	if ev.Address != "" {
		p.Addresses = pushMRU(p.Addresses, ev.Address, cfg.MaxProfileAddresses)
	}
	if ev.ClientSignature != "" {
		p.Clients = pushMRU(p.Clients, ev.ClientSignature, cfg.MaxProfileClients)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// pushMRU moves s to the end of list, evicting from the front beyond max.
func pushMRU(list []string, s string, max int) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	out = append(out, s)
	if len(out) > max {
		out = append(out[:0:0], out[len(out)-max:]...)
	}
	return out
}

var escalationActions = map[string]bool{"admin": true, "delete": true, "modify": true}

var sensitiveResources = map[string]bool{"user": true, "system": true, "config": true}

var bulkActions = map[string]bool{"export": true, "download": true, "bulk_read": true}

// RecordAccess ingests one resource access.
func (e *Engine) RecordAccess(ctx context.Context, ev models.AccessEvent) ([]models.SecurityEvent, error) {
	cfg := e.Config()
	ts := e.stamp(ev.Timestamp)
	var emitted []*models.SecurityEvent

	e.mu.Lock()
	if ev.Address != "" {
		e.touchReputationLocked(ev.Address, ts)
	}
	if ev.ActorID != "" {
		w := pruneWindow(e.rates[ev.ActorID], ts.Add(-cfg.RateWindow))
		w = insertSorted(w, ts)
		e.rates[ev.ActorID] = w
		if len(w) == cfg.RateThreshold+1 {
			emitted = append(emitted, e.newEvent(models.ThreatRateLimitAbuse, models.SeverityMedium, ev.ActorID, ev.Address, ts,
				fmt.Sprintf("%s exceeded %d requests within %s", ev.ActorID, cfg.RateThreshold, cfg.RateWindow),
				map[string]any{"requests": len(w), "window": cfg.RateWindow.String()}))
		}
	}
	watched := e.watchedLocked(ev.ActorID, ev.Address)
	e.mu.Unlock()

	if escalationActions[ev.Action] && sensitiveResources[ev.ResourceType] {
		emitted = append(emitted, e.newEvent(models.ThreatPrivilegeEscalation, models.SeverityHigh, ev.ActorID, ev.Address, ts,
			fmt.Sprintf("%s attempted %s on %s", ev.ActorID, ev.Action, ev.ResourceType),
			map[string]any{"action": ev.Action, "resource_type": ev.ResourceType}))
	}
	if n, ok := recordCount(ev.Details); bulkActions[ev.Action] || (ok && cfg.ExfiltrationRecords > 0 && n >= cfg.ExfiltrationRecords) {
		details := map[string]any{"action": ev.Action, "resource_type": ev.ResourceType}
		if ok {
			details["records"] = n
		}
		emitted = append(emitted, e.newEvent(models.ThreatDataExfiltration, models.SeverityHigh, ev.ActorID, ev.Address, ts,
			fmt.Sprintf("%s performed bulk %s on %s", ev.ActorID, ev.Action, ev.ResourceType), details))
	}
	if watched {
		e.log.Info().Str("actor", ev.ActorID).Str("address", ev.Address).
			Str("action", ev.Action).Str("resource_type", ev.ResourceType).Msg("monitored access")
	}
	return e.finish(ctx, emitted)
}

// recordCount reads details["records"] as an integer.
func recordCount(details map[string]any) (int, bool) {
	switch v := details["records"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// finish stores the events and runs their response chains outside every lock.
func (e *Engine) finish(ctx context.Context, emitted []*models.SecurityEvent) ([]models.SecurityEvent, error) {
	if len(emitted) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	for _, ev := range emitted {
		e.recordLocked(ev)
	}
	e.mu.Unlock()

	var errs []error
	out := make([]models.SecurityEvent, 0, len(emitted))
	for _, ev := range emitted {
		e.log.Warn().
			Str("event_id", ev.ID).
			Str("category", string(ev.Category)).
			Str("severity", string(ev.Severity)).
			Str("actor", ev.ActorID).
			Str("address", ev.Address).
			Msg(ev.Description)
		if err := e.respond(ctx, ev); err != nil {
			errs = append(errs, err)
		}
		out = append(out, e.snapshot(ev))
	}
	return out, errors.Join(errs...)
}

func (e *Engine) snapshot(ev *models.SecurityEvent) models.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneEvent(ev)
}

func cloneEvent(ev *models.SecurityEvent) models.SecurityEvent {
	c := *ev
	c.Actions = append([]models.ResponseAction(nil), ev.Actions...)
	if ev.Details != nil {
		c.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			c.Details[k] = v
		}
	}
	return c
}

// CheckAllowed fails closed with ThreatBlocked while the address is blocked
// or the actor is disabled.
func (e *Engine) CheckAllowed(actor, address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if address != "" {
		if _, ok := e.blocked[address]; ok {
			return core.E(core.KindThreatBlocked, "address_blocked", "source address is blocked").With("address", address)
		}
	}
	if actor != "" {
		if _, ok := e.disabled[actor]; ok {
			return core.E(core.KindThreatBlocked, "actor_disabled", "actor is disabled").With("actor", actor)
		}
	}
	return nil
}

// Unblock clears a blocked address and its failure window. It reports
// whether the address was blocked.
func (e *Engine) Unblock(address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocked[address]
	delete(e.blocked, address)
	delete(e.failures, address)
	if rep := e.reputation[address]; rep != nil {
		rep.Blocked = false
	}
	if ok {
		e.blockDirty = true
		e.log.Info().Str("address", address).Msg("source address unblocked")
	}
	return ok
}

// EnableActor re-enables a disabled actor. It reports whether the actor was disabled.
func (e *Engine) EnableActor(actor string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.disabled[actor]
	delete(e.disabled, actor)
	if ok {
		e.blockDirty = true
		e.log.Info().Str("actor", actor).Msg("actor re-enabled")
	}
	return ok
}

// Blocked lists blocked addresses and disabled actors, sorted.
func (e *Engine) Blocked() (addresses, actors []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for a := range e.blocked {
		addresses = append(addresses, a)
	}
	for a := range e.disabled {
		actors = append(actors, a)
	}
	sort.Strings(addresses)
	sort.Strings(actors)
	return addresses, actors
}

// Profile returns a copy of the actor's behavioral profile.
func (e *Engine) Profile(actor string) (models.BehavioralProfile, bool) {
	e.pmu.RLock()
	defer e.pmu.RUnlock()
	p, ok := e.profiles[actor]
	if !ok {
		return models.BehavioralProfile{}, false
	}
	return cloneProfile(p), true
}

func cloneProfile(p *models.BehavioralProfile) models.BehavioralProfile {
	c := *p
	c.Hours = make(map[int]bool, len(p.Hours))
	for h, v := range p.Hours {
		c.Hours[h] = v
	}
	c.Addresses = append([]string(nil), p.Addresses...)
	c.Clients = append([]string(nil), p.Clients...)
	return c
}

// Reputation returns a copy of what the engine has seen from address.
func (e *Engine) Reputation(address string) (models.AddressReputation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep, ok := e.reputation[address]
	if !ok {
		return models.AddressReputation{}, false
	}
	return *rep, true
}

// EventFilter selects security events. Zero fields match everything.
type EventFilter struct {
	Category       models.ThreatCategory
	MinSeverity    models.Severity
	ActorID        string
	Address        string
	UnresolvedOnly bool
	Limit          int
}

var severityRank = map[models.Severity]int{
	models.SeverityInfo:     0,
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// Events returns matching security events, most recent first.
func (e *Engine) Events(f EventFilter) []models.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.SecurityEvent
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		switch {
		case f.Category != "" && ev.Category != f.Category:
			continue
		case f.MinSeverity != "" && severityRank[ev.Severity] < severityRank[f.MinSeverity]:
			continue
		case f.ActorID != "" && ev.ActorID != f.ActorID:
			continue
		case f.Address != "" && ev.Address != f.Address:
			continue
		case f.UnresolvedOnly && ev.Resolved:
			continue
		}
		out = append(out, cloneEvent(ev))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Resolve marks an event resolved. Block state is cleared separately with
// Unblock and EnableActor.
func (e *Engine) Resolve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Resolved = true
	return nil
}
