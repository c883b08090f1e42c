package threat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.ResponseAction
	fail  int
}

func (n *recordingNotifier) Notify(_ context.Context, a models.ResponseAction, _ models.SecurityEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail > 0 {
		n.fail--
		return errors.New("pager unavailable")
	}
	n.calls = append(n.calls, a)
	return nil
}

func (n *recordingNotifier) count(a models.ResponseAction) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, v := range n.calls {
		if v == a {
			c++
		}
	}
	return c
}

func newTestEngine(t *testing.T, backend storage.Backend, mutate func(*Config)) (*Engine, *clock, *recordingNotifier) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	if mutate != nil {
		mutate(&cfg)
	}
	c := &clock{t: epoch}
	n := &recordingNotifier{}
	e, err := NewEngine(cfg, backend, zerolog.Nop(), WithClock(c.now), WithNotifier(n))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, c, n
}

func fail(addr string) models.AuthEvent {
	return models.AuthEvent{ActorID: "nurse-1", Success: false, Address: addr}
}

func TestBruteForceThreshold(t *testing.T) {
	e, c, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		evs, err := e.RecordAuth(ctx, fail("10.0.0.9"))
		if err != nil || len(evs) != 0 {
			t.Fatalf("attempt %d: events = %v, err = %v", i+1, evs, err)
		}
		c.advance(time.Minute)
	}
	if err := e.CheckAllowed("nurse-1", "10.0.0.9"); err != nil {
		t.Fatalf("blocked before threshold: %v", err)
	}

	evs, err := e.RecordAuth(ctx, fail("10.0.0.9"))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Category != models.ThreatBruteForce || evs[0].Severity != models.SeverityHigh {
		t.Fatalf("events = %+v", evs)
	}
	want := ResponseChain(models.SeverityHigh)
	if len(evs[0].Actions) != len(want) {
		t.Fatalf("actions = %v, want %v", evs[0].Actions, want)
	}

	err = e.CheckAllowed("nurse-1", "10.0.0.9")
	if !errors.Is(err, core.ErrThreatBlocked) {
		t.Fatalf("CheckAllowed = %v", err)
	}
	if err := e.CheckAllowed("nurse-1", "10.0.0.10"); err != nil {
		t.Fatalf("other address blocked: %v", err)
	}

	// Further failures in the same window do not emit again.
	evs, _ = e.RecordAuth(ctx, fail("10.0.0.9"))
	if len(evs) != 0 {
		t.Fatalf("sixth failure emitted %+v", evs)
	}

	if !e.Unblock("10.0.0.9") || e.Unblock("10.0.0.9") {
		t.Fatal("Unblock should report the first clear only")
	}
	if err := e.CheckAllowed("nurse-1", "10.0.0.9"); err != nil {
		t.Fatalf("still blocked after Unblock: %v", err)
	}
}

func TestBruteForceWindowSlides(t *testing.T) {
	e, c, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if evs, _ := e.RecordAuth(ctx, fail("10.0.0.9")); len(evs) != 0 {
			t.Fatalf("unexpected events %+v", evs)
		}
	}
	c.advance(16 * time.Minute)
	if evs, _ := e.RecordAuth(ctx, fail("10.0.0.9")); len(evs) != 0 {
		t.Fatalf("expired failures were counted: %+v", evs)
	}
}

func TestResponseIdempotent(t *testing.T) {
	e, _, n := newTestEngine(t, nil, func(c *Config) { c.BruteForceThreshold = 1 })
	ctx := context.Background()

	evs, err := e.RecordAuth(ctx, fail("10.1.1.1"))
	if err != nil || len(evs) != 1 {
		t.Fatalf("events = %v, err = %v", evs, err)
	}
	if err := e.ApplyResponse(ctx, evs[0].ID); err != nil {
		t.Fatal(err)
	}

	addrs, _ := e.Blocked()
	if len(addrs) != 1 || addrs[0] != "10.1.1.1" {
		t.Fatalf("blocked = %v", addrs)
	}
	if got := n.count(models.ActionAlert); got != 1 {
		t.Fatalf("alert sent %d times", got)
	}
	stored := e.Events(EventFilter{Category: models.ThreatBruteForce})
	if len(stored) != 1 || len(stored[0].Actions) != 4 {
		t.Fatalf("stored actions = %+v", stored)
	}
	if !errors.Is(e.ApplyResponse(ctx, "missing"), ErrEventNotFound) {
		t.Fatal("unknown event accepted")
	}
}

func TestFailingActionDoesNotStopChain(t *testing.T) {
	e, _, n := newTestEngine(t, nil, func(c *Config) {
		c.BruteForceThreshold = 1
		c.ActionAttempts = 2
	})
	n.fail = 2 // both alert attempts fail

	evs, err := e.RecordAuth(context.Background(), fail("10.2.2.2"))
	if err == nil {
		t.Fatal("expected alert failure to be reported")
	}
	if len(evs) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	if !errors.Is(e.CheckAllowed("", "10.2.2.2"), core.ErrThreatBlocked) {
		t.Fatal("block_source skipped after alert failure")
	}
	want := []models.ResponseAction{models.ActionLog, models.ActionMonitor, models.ActionBlockSource}
	if len(evs[0].Actions) != len(want) {
		t.Fatalf("actions = %v, want %v", evs[0].Actions, want)
	}

	// A retry delivers only the missing alert.
	if err := e.ApplyResponse(context.Background(), evs[0].ID); err != nil {
		t.Fatal(err)
	}
	if n.count(models.ActionAlert) != 1 {
		t.Fatalf("alerts = %d", n.count(models.ActionAlert))
	}
}

func TestRetrySucceeds(t *testing.T) {
	e, _, n := newTestEngine(t, nil, func(c *Config) {
		c.BruteForceThreshold = 1
		c.ActionAttempts = 3
	})
	n.fail = 2
	if _, err := e.RecordAuth(context.Background(), fail("10.3.3.3")); err != nil {
		t.Fatalf("retry did not recover: %v", err)
	}
	if n.count(models.ActionAlert) != 1 {
		t.Fatalf("alerts = %d", n.count(models.ActionAlert))
	}
}

func TestPrivilegeEscalation(t *testing.T) {
	tests := []struct {
		action, resource string
		want             bool
	}{
		{"admin", "user", true},
		{"delete", "system", true},
		{"modify", "config", true},
		{"read", "config", false},
		{"delete", "patient", false},
	}
	for _, tt := range tests {
		e, _, _ := newTestEngine(t, nil, nil)
		evs, _ := e.RecordAccess(context.Background(), models.AccessEvent{
			ActorID: "a", ResourceType: tt.resource, Action: tt.action, Address: "10.0.0.1",
		})
		got := len(evs) == 1 && evs[0].Category == models.ThreatPrivilegeEscalation && evs[0].Severity == models.SeverityHigh
		if got != tt.want {
			t.Errorf("%s:%s events = %+v", tt.action, tt.resource, evs)
		}
	}
}

func TestRateAbuse(t *testing.T) {
	e, c, _ := newTestEngine(t, nil, func(c *Config) { c.RateThreshold = 3 })
	ctx := context.Background()
	access := models.AccessEvent{ActorID: "svc", ResourceType: "patient", Action: "read"}

	var total []models.SecurityEvent
	for i := 0; i < 6; i++ {
		evs, _ := e.RecordAccess(ctx, access)
		if i < 3 && len(evs) != 0 {
			t.Fatalf("request %d emitted %+v", i+1, evs)
		}
		total = append(total, evs...)
		c.advance(time.Second)
	}
	if len(total) != 1 || total[0].Category != models.ThreatRateLimitAbuse || total[0].Severity != models.SeverityMedium {
		t.Fatalf("events = %+v", total)
	}
	// Medium severity alerts but never blocks.
	if err := e.CheckAllowed("svc", ""); err != nil {
		t.Fatalf("medium event blocked actor: %v", err)
	}
}

func TestDataExfiltration(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, nil)
	evs, _ := e.RecordAccess(context.Background(), models.AccessEvent{
		ActorID: "a", ResourceType: "patient", Action: "read", Details: map[string]any{"records": 5000},
	})
	if len(evs) != 1 || evs[0].Category != models.ThreatDataExfiltration {
		t.Fatalf("events = %+v", evs)
	}
}

func TestBehavioralAnomalies(t *testing.T) {
	e, c, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	login := models.AuthEvent{ActorID: "doc-1", Success: true, Address: "10.0.0.1", ClientSignature: "browser-a"}

	// First success only establishes the baseline.
	if evs, _ := e.RecordAuth(ctx, login); len(evs) != 0 {
		t.Fatalf("baseline emitted %+v", evs)
	}
	c.advance(10 * time.Minute)
	if evs, _ := e.RecordAuth(ctx, login); len(evs) != 0 {
		t.Fatalf("known pattern emitted %+v", evs)
	}

	c.advance(6 * time.Hour)
	odd := login
	odd.Address = "203.0.113.7"
	odd.ClientSignature = "curl"
	evs, _ := e.RecordAuth(ctx, odd)
	got := map[models.ThreatCategory]int{}
	for _, ev := range evs {
		got[ev.Category]++
	}
	if got[models.ThreatAnomalousBehavior] != 2 || got[models.ThreatSuspiciousAccess] != 1 {
		t.Fatalf("anomalies = %v", got)
	}

	p, ok := e.Profile("doc-1")
	if !ok || p.Successes != 3 || len(p.Addresses) != 2 || p.Addresses[1] != "203.0.113.7" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestProfileBounds(t *testing.T) {
	e, c, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, _ = e.RecordAuth(ctx, models.AuthEvent{
			ActorID: "doc-1", Success: true,
			Address:         "10.0.0." + string(rune('a'+i)),
			ClientSignature: "client-" + string(rune('a'+i)),
		})
		c.advance(time.Second)
	}
	p, _ := e.Profile("doc-1")
	if len(p.Addresses) != 10 || len(p.Clients) != 5 {
		t.Fatalf("addresses = %d, clients = %d", len(p.Addresses), len(p.Clients))
	}
	if p.Addresses[9] != "10.0.0.o" || p.Clients[0] != "client-k" {
		t.Fatalf("eviction order wrong: %v %v", p.Addresses, p.Clients)
	}
}

func TestCriticalDisablesActor(t *testing.T) {
	e, _, n := newTestEngine(t, nil, func(c *Config) { c.BruteForceThreshold = 2 })
	ctx := context.Background()

	// A success from an address with a full failure window looks like takeover.
	e.mu.Lock()
	e.failures["10.4.4.4"] = []time.Time{epoch, epoch}
	e.mu.Unlock()
	evs, _ := e.RecordAuth(ctx, models.AuthEvent{ActorID: "nurse-1", Success: true, Address: "10.4.4.4"})
	if len(evs) != 1 || evs[0].Category != models.ThreatAccountTakeover || evs[0].Severity != models.SeverityCritical {
		t.Fatalf("events = %+v", evs)
	}
	if len(evs[0].Actions) != len(ResponseChain(models.SeverityCritical)) {
		t.Fatalf("actions = %v", evs[0].Actions)
	}
	err := e.CheckAllowed("nurse-1", "")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Kind != core.KindThreatBlocked || ce.Reason != "actor_disabled" {
		t.Fatalf("CheckAllowed = %v", err)
	}
	if n.count(models.ActionNotifyAdmin) != 1 {
		t.Fatal("admin not notified")
	}
	if !e.EnableActor("nurse-1") || e.CheckAllowed("nurse-1", "") != nil {
		t.Fatal("EnableActor did not clear the actor")
	}
}

func TestSweepPersistsAndLoads(t *testing.T) {
	backend := storage.NewMemoryBackend()
	e, c, _ := newTestEngine(t, backend, func(c *Config) { c.BruteForceThreshold = 1 })
	ctx := context.Background()

	_, _ = e.RecordAuth(ctx, models.AuthEvent{ActorID: "doc-1", Success: true, Address: "10.0.0.1"})
	_, _ = e.RecordAuth(ctx, fail("10.9.9.9"))
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := backend.Get(ctx, "threat/profiles/doc-1"); err != nil {
		t.Fatalf("profile not persisted: %v", err)
	}

	restarted, _, _ := newTestEngine(t, backend, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := restarted.Profile("doc-1"); !ok {
		t.Fatal("profile not restored")
	}
	if !errors.Is(restarted.CheckAllowed("", "10.9.9.9"), core.ErrThreatBlocked) {
		t.Fatal("block not restored")
	}
	if rep, ok := restarted.Reputation("10.9.9.9"); !ok || rep.Failures != 1 || !rep.Blocked {
		t.Fatalf("reputation = %+v", rep)
	}

	// Beyond retention the profile is dropped from memory and storage.
	c.advance(31 * 24 * time.Hour)
	if err := e.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Profile("doc-1"); ok {
		t.Fatal("stale profile kept")
	}
	if _, err := backend.Get(ctx, "threat/profiles/doc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale profile still stored: %v", err)
	}
}

type flakyBackend struct {
	*storage.MemoryBackend
	puts  atomic.Int32
	panic bool
}

func (f *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	n := f.puts.Add(1)
	if f.panic && n == 1 {
		panic("disk controller on fire")
	}
	if !f.panic && n == 1 {
		return errors.New("write failed")
	}
	return f.MemoryBackend.Put(ctx, key, value)
}

func TestSweepFailureRequeues(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	e, _, _ := newTestEngine(t, backend, nil)
	ctx := context.Background()
	_, _ = e.RecordAuth(ctx, models.AuthEvent{ActorID: "doc-1", Success: true, Address: "10.0.0.1"})

	if err := e.Sweep(ctx); err == nil {
		t.Fatal("expected first sweep to fail")
	}
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if _, err := backend.Get(ctx, "threat/profiles/doc-1"); err != nil {
		t.Fatalf("profile not retried: %v", err)
	}
}

func TestRunSurvivesPanic(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend(), panic: true}
	e, _, _ := newTestEngine(t, backend, func(c *Config) { c.SweepInterval = 5 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for backend.puts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if backend.puts.Load() < 3 {
		t.Fatalf("loop stopped after panic: %d puts", backend.puts.Load())
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, nil)
	bad := e.Config()
	bad.BruteForceThreshold = 0
	if err := e.UpdateConfig(bad); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("UpdateConfig = %v", err)
	}
	if e.Config().BruteForceThreshold != 5 {
		t.Fatal("invalid config applied")
	}
}

func TestResolve(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, nil)
	evs, _ := e.RecordAccess(context.Background(), models.AccessEvent{ActorID: "a", ResourceType: "system", Action: "admin"})
	if err := e.Resolve(evs[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := e.Events(EventFilter{UnresolvedOnly: true}); len(got) != 0 {
		t.Fatalf("unresolved = %+v", got)
	}
	if !errors.Is(e.Resolve("nope"), ErrEventNotFound) {
		t.Fatal("unknown id resolved")
	}
}

func TestConcurrentRecording(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, func(c *Config) { c.BruteForceThreshold = 50 })
	ctx := context.Background()
	var wg sync.WaitGroup
	var emitted atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evs, _ := e.RecordAuth(ctx, fail("10.5.5.5"))
			emitted.Add(int32(len(evs)))
		}()
	}
	wg.Wait()
	if emitted.Load() != 1 {
		t.Fatalf("brute force emitted %d times", emitted.Load())
	}
}
