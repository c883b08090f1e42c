// Package audit is the append-only structured event log for authentication,
// authorization, data-access and configuration decisions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/ids"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

const recordPrefix = "audit/"

// ErrRiskScore is returned for risk scores outside [0,1].
var ErrRiskScore = errors.New("risk score must be within [0,1]")

// Sink receives every event after it is appended to the in-memory log.
type Sink interface {
	Write(ctx context.Context, ev *models.AuditEvent) error
	Close() error
}

// Logger appends events in order to memory and to each sink.
type Logger struct {
	mu     sync.Mutex
	events []models.AuditEvent
	sinks  []Sink
	store  storage.Backend
	max    int

	now func() time.Time
	log zerolog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds a sink. Sinks are written in the order they were added.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// WithBackend persists every event as audit/<ulid> and enables Replay.
func WithBackend(b storage.Backend) Option {
	return func(l *Logger) {
		l.store = b
		l.sinks = append(l.sinks, &backendSink{b: b})
	}
}

// WithMaxInMemory bounds the in-memory log, dropping the oldest entries
// from memory only. Sinks still receive every event. 0 means unbounded.
func WithMaxInMemory(n int) Option {
	return func(l *Logger) { l.max = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(log zerolog.Logger, opts ...Option) *Logger {
	l := &Logger{now: time.Now, log: log.With().Str("component", "audit").Logger()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log validates ev, stamps it with a sortable id and UTC timestamp when
// missing, appends it and writes it to every sink. Secret values must never
// be placed in an event.
func (l *Logger) Log(ctx context.Context, ev *models.AuditEvent) error {
	if ev.RiskScore != nil && (*ev.RiskScore < 0 || *ev.RiskScore > 1) {
		return ErrRiskScore
	}
	if ev.Level == "" {
		ev.Level = models.AuditInfo
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	if ev.ID == "" {
		ev.ID = ids.NewULID(ev.Timestamp)
	}

	l.events = append(l.events, cloneEvent(ev))
	if l.max > 0 && len(l.events) > l.max {
		l.events = append(l.events[:0:0], l.events[len(l.events)-l.max:]...)
	}
	metrics.AuditEvents.WithLabelValues(string(ev.Category)).Inc()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, ev); err != nil {
			l.log.Error().Err(err).Str("event_id", ev.ID).Msg("audit sink write failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit sinks: %w", errors.Join(errs...))
	}
	return nil
}

func cloneEvent(ev *models.AuditEvent) models.AuditEvent {
	c := *ev
	if ev.RiskScore != nil {
		r := *ev.RiskScore
		c.RiskScore = &r
	}
	if ev.Details != nil {
		c.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			c.Details[k] = v
		}
	}
	return c
}

// Len returns the number of events held in memory.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Replay rebuilds the in-memory log from the backend, oldest first.
func (l *Logger) Replay(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, errors.New("audit logger has no backend")
	}
	entries, err := l.store.Scan(ctx, recordPrefix)
	if err != nil {
		return 0, fmt.Errorf("scanning audit records: %w", err)
	}
	events := make([]models.AuditEvent, 0, len(entries))
	for _, e := range entries {
		var ev models.AuditEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			l.log.Warn().Str("key", e.Key).Err(err).Msg("skipping unreadable audit record")
			continue
		}
		events = append(events, ev)
	}
	if l.max > 0 && len(events) > l.max {
		events = events[len(events)-l.max:]
	}
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
	l.log.Info().Int("events", len(events)).Msg("audit log replayed")
	return len(events), nil
}

// Close closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	ActorID    string
	SessionID  string
	Categories []models.AuditCategory
	Levels     []models.AuditLevel
	From       time.Time
	To         time.Time
	Success    *bool
	Limit      int
}

func (f Filter) match(ev *models.AuditEvent) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, ev.Category) {
		return false
	}
	if len(f.Levels) > 0 && !containsLevel(f.Levels, ev.Level) {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	if f.Success != nil && ev.Success != *f.Success {
		return false
	}
	return true
}

func containsCategory(cs []models.AuditCategory, c models.AuditCategory) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

func containsLevel(ls []models.AuditLevel, lv models.AuditLevel) bool {
	for _, x := range ls {
		if x == lv {
			return true
		}
	}
	return false
}

// Query returns matching events, most recent first.
func (l *Logger) Query(f Filter) []models.AuditEvent {
	return l.selectWhere(f.Limit, func(ev *models.AuditEvent) bool { return f.match(ev) })
}

func (l *Logger) selectWhere(limit int, keep func(*models.AuditEvent) bool) []models.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.AuditEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := &l.events[i]
		if !keep(ev) {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// Events logged with caller-supplied timestamps may arrive out of order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (l *Logger) ByActor(actorID string) []models.AuditEvent {
	return l.Query(Filter{ActorID: actorID})
}

// ByTimeRange returns events with from <= timestamp < to.
func (l *Logger) ByTimeRange(from, to time.Time) []models.AuditEvent {
	return l.Query(Filter{From: from, To: to})
}

// SecurityEventsOnly returns security-category events plus failed
// authentication and authorization decisions.
func (l *Logger) SecurityEventsOnly() []models.AuditEvent {
	return l.selectWhere(0, func(ev *models.AuditEvent) bool {
		switch ev.Category {
		case models.CategorySecurity:
			return true
		case models.CategoryAuthentication, models.CategoryAuthorization:
			return !ev.Success
		}
		return false
	})
}

// ComplianceEventsOnly returns compliance, data-access and configuration events.
func (l *Logger) ComplianceEventsOnly() []models.AuditEvent {
	return l.Query(Filter{Categories: []models.AuditCategory{
		models.CategoryCompliance, models.CategoryDataAccess, models.CategoryConfiguration,
	}})
}

// ParseCategories parses a comma-separated category list.
func ParseCategories(s string) []models.AuditCategory {
	if s == "" {
		return nil
	}
	var out []models.AuditCategory
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, models.AuditCategory(part))
		}
	}
	return out
}
