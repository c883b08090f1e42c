// Package session tracks live sessions, enforces per-actor concurrency caps,
// expiry and idle policy, and the lock/unlock state machine.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/ids"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/pkg/models"
)

// Policy holds the tunables of the manager. It can be swapped at runtime.
type Policy struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	RenewThreshold time.Duration `yaml:"renew_threshold"`
	// AutoExtend extends a session by DefaultTTL when Touch finds it within
	// RenewThreshold of expiry.
	AutoExtend bool `yaml:"auto_extend"`
	// IdleTimeout expires sessions with no activity for this long. 0 disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrent:  3,
		DefaultTTL:     8 * time.Hour,
		MaxTTL:         24 * time.Hour,
		RenewThreshold: 5 * time.Minute,
		AutoExtend:     true,
	}
}

// Context is the network and device context captured at creation.
type Context struct {
	Address           string
	UserAgent         string
	DeviceFingerprint string
	SecurityLevel     models.SecurityLevel
	MFAVerified       bool
	Metadata          map[string]string
}

// Manager owns the live session table.
type Manager struct {
	mu      sync.RWMutex
	byID    map[string]*models.Session
	byActor map[string]map[string]struct{}
	policy  Policy

	now func() time.Time
	log zerolog.Logger
}

func NewManager(p Policy, log zerolog.Logger) *Manager {
	return &Manager{
		byID:    make(map[string]*models.Session),
		byActor: make(map[string]map[string]struct{}),
		policy:  p,
		now:     time.Now,
		log:     log.With().Str("component", "session_manager").Logger(),
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// UpdatePolicy swaps the policy. Existing sessions keep their expiry.
func (m *Manager) UpdatePolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.log.Info().Int("max_concurrent", p.MaxConcurrent).Dur("default_ttl", p.DefaultTTL).Msg("session policy updated")
}

func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// expireLocked applies time-based transitions. Caller holds the write lock.
func (m *Manager) expireLocked(s *models.Session, now time.Time) {
	if s.Status != models.SessionActive && s.Status != models.SessionLocked {
		return
	}
	if s.ExpiredAt(now) {
		s.Status = models.SessionExpired
		s.StatusReason = "expired"
		return
	}
	if m.policy.IdleTimeout > 0 && s.Status == models.SessionActive && now.Sub(s.LastActivity) >= m.policy.IdleTimeout {
		s.Status = models.SessionExpired
		s.StatusReason = "idle"
	}
}

// stale reports whether expireLocked would change s. Safe under the read lock.
func (m *Manager) stale(s *models.Session, now time.Time) bool {
	if s.Status != models.SessionActive && s.Status != models.SessionLocked {
		return false
	}
	if s.ExpiredAt(now) {
		return true
	}
	return m.policy.IdleTimeout > 0 && s.Status == models.SessionActive && now.Sub(s.LastActivity) >= m.policy.IdleTimeout
}

func (m *Manager) activeCountLocked(actorID string, now time.Time) int {
	n := 0
	for id := range m.byActor[actorID] {
		s := m.byID[id]
		m.expireLocked(s, now)
		if s.Status == models.SessionActive || s.Status == models.SessionLocked {
			n++
		}
	}
	return n
}

// Create opens a session for actorID. A ttl of 0 uses the default; longer
// ttls are clamped to MaxTTL.
func (m *Manager) Create(actorID string, ttl time.Duration, sc Context) (*models.Session, error) {
	if actorID == "" {
		return nil, core.E(core.KindSessionNotFound, "actor", "actor id is required")
	}
	level, ok := models.ParseSecurityLevel(string(sc.SecurityLevel), models.LevelMedium)
	if !ok {
		level = models.LevelMedium
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if n := m.activeCountLocked(actorID, now); n >= m.policy.MaxConcurrent {
		m.log.Warn().Str("actor", actorID).Int("active", n).Msg("session capacity exceeded")
		return nil, core.Errorf(core.KindSessionCapacityExceeded, "",
			"actor %s already holds %d of %d sessions", actorID, n, m.policy.MaxConcurrent).With("actor", actorID)
	}

	if ttl <= 0 {
		ttl = m.policy.DefaultTTL
	}
	if m.policy.MaxTTL > 0 && ttl > m.policy.MaxTTL {
		ttl = m.policy.MaxTTL
	}

	s := &models.Session{
		ID:                ids.NewUUID(),
		ActorID:           actorID,
		CreatedAt:         now,
		LastActivity:      now,
		ExpiresAt:         now.Add(ttl),
		Status:            models.SessionActive,
		Address:           sc.Address,
		UserAgent:         sc.UserAgent,
		DeviceFingerprint: sc.DeviceFingerprint,
		SecurityLevel:     level,
		MFAVerified:       sc.MFAVerified,
	}
	if len(sc.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(sc.Metadata))
		for k, v := range sc.Metadata {
			s.Metadata[k] = v
		}
	}
	m.byID[s.ID] = s
	if m.byActor[actorID] == nil {
		m.byActor[actorID] = make(map[string]struct{})
	}
	m.byActor[actorID][s.ID] = struct{}{}
	metrics.SessionsActive.Set(float64(len(m.byID)))

	m.log.Info().Str("actor", actorID).Str("session", s.ID).Dur("ttl", ttl).Msg("session created")
	return s.Clone(), nil
}

// Get returns a copy of the session in whatever state it is in.
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	s, ok := m.byID[id]
	if ok && !m.stale(s, m.now()) {
		defer m.mu.RUnlock()
		return s.Clone(), nil
	}
	m.mu.RUnlock()
	if !ok {
		return nil, core.E(core.KindSessionNotFound, "", "session not found")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.byID[id]
	if !ok {
		return nil, core.E(core.KindSessionNotFound, "", "session not found")
	}
	m.expireLocked(s, m.now())
	return s.Clone(), nil
}

func usable(s *models.Session) error {
	switch s.Status {
	case models.SessionActive:
		return nil
	case models.SessionLocked:
		return core.E(core.KindSessionLocked, "", "session is locked").With("session", s.ID)
	default:
		return core.E(core.KindSessionNotFound, string(s.Status), "session is "+string(s.Status)).With("session", s.ID)
	}
}

// Check returns the session if it is usable: SessionNotFound for missing,
// expired or terminated sessions, SessionLocked for locked ones.
func (m *Manager) Check(id string) (*models.Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := usable(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports whether the session exists, is active and unexpired.
func (m *Manager) Validate(id string) bool {
	_, err := m.Check(id)
	return err == nil
}

// Touch records activity, optionally updating the address, and auto-extends
// the session when it is close to expiry.
func (m *Manager) Touch(id, address string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, core.E(core.KindSessionNotFound, "", "session not found")
	}
	now := m.now()
	m.expireLocked(s, now)
	if err := usable(s); err != nil {
		return nil, err
	}

	s.LastActivity = now
	s.ActivityCount++
	if address != "" {
		s.Address = address
	}
	if m.policy.AutoExtend && s.ExpiresAt.Sub(now) < m.policy.RenewThreshold {
		extended := s.ExpiresAt.Add(m.policy.DefaultTTL)
		// Total lifetime never exceeds MaxTTL from creation.
		if m.policy.MaxTTL > 0 {
			if limit := s.CreatedAt.Add(m.policy.MaxTTL); extended.After(limit) {
				extended = limit
			}
		}
		if extended.After(s.ExpiresAt) {
			s.ExpiresAt = extended
			m.log.Debug().Str("session", id).Time("expires_at", s.ExpiresAt).Msg("session auto-extended")
		}
	}
	return s.Clone(), nil
}

// Terminate ends a session. Terminating an already terminated session is a no-op.
func (m *Manager) Terminate(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return core.E(core.KindSessionNotFound, "", "session not found")
	}
	m.terminateLocked(s, reason)
	return nil
}

func (m *Manager) terminateLocked(s *models.Session, reason string) bool {
	if s.Status == models.SessionTerminated {
		return false
	}
	s.Status = models.SessionTerminated
	s.StatusReason = reason
	m.log.Info().Str("actor", s.ActorID).Str("session", s.ID).Str("reason", reason).Msg("session terminated")
	return true
}

// TerminateAll ends every live session of actorID and returns how many changed state.
func (m *Manager) TerminateAll(actorID, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id := range m.byActor[actorID] {
		s := m.byID[id]
		m.expireLocked(s, now)
		if s.Status == models.SessionActive || s.Status == models.SessionLocked {
			if m.terminateLocked(s, reason) {
				n++
			}
		}
	}
	return n
}

// Lock places an active session on security hold.
func (m *Manager) Lock(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return core.E(core.KindSessionNotFound, "", "session not found")
	}
	m.expireLocked(s, m.now())
	switch s.Status {
	case models.SessionLocked:
		return nil
	case models.SessionActive:
		s.Status = models.SessionLocked
		s.StatusReason = reason
		m.log.Warn().Str("actor", s.ActorID).Str("session", id).Str("reason", reason).Msg("session locked")
		return nil
	}
	return usable(s)
}

// Unlock releases a hold. A reason is required.
func (m *Manager) Unlock(id, reason string) error {
	if reason == "" {
		return core.E(core.KindSessionLocked, "reason_required", "unlock requires a reason")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return core.E(core.KindSessionNotFound, "", "session not found")
	}
	m.expireLocked(s, m.now())
	switch s.Status {
	case models.SessionActive:
		return nil
	case models.SessionLocked:
		s.Status = models.SessionActive
		s.StatusReason = reason
		m.log.Info().Str("actor", s.ActorID).Str("session", id).Str("reason", reason).Msg("session unlocked")
		return nil
	}
	return usable(s)
}

// SweepExpired removes expired and terminated sessions from the table and
// returns how many were removed.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, s := range m.byID {
		m.expireLocked(s, now)
		if s.Status != models.SessionExpired && s.Status != models.SessionTerminated {
			continue
		}
		delete(m.byID, id)
		if set := m.byActor[s.ActorID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byActor, s.ActorID)
			}
		}
		n++
	}
	metrics.SessionsActive.Set(float64(len(m.byID)))
	metrics.SessionsSwept.Add(float64(n))
	if n > 0 {
		m.log.Debug().Int("removed", n).Msg("session sweep")
	}
	return n
}

// ListByActor returns copies of the actor's sessions, newest first.
func (m *Manager) ListByActor(actorID string) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]*models.Session, 0, len(m.byActor[actorID]))
	for id := range m.byActor[actorID] {
		s := m.byID[id]
		m.expireLocked(s, now)
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of active, unexpired sessions across all actors.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, s := range m.byID {
		if s.Status == models.SessionActive && !m.stale(s, now) {
			n++
		}
	}
	return n
}

// VerifyMFA checks a TOTP code against secret and marks the session verified.
func (m *Manager) VerifyMFA(id, secret, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return core.E(core.KindSessionNotFound, "", "session not found")
	}
	now := m.now()
	m.expireLocked(s, now)
	if err := usable(s); err != nil {
		return err
	}
	if !ValidateTOTP(secret, code, now) {
		m.log.Warn().Str("actor", s.ActorID).Str("session", id).Msg("mfa verification failed")
		return core.E(core.KindPermissionDenied, "mfa", "invalid MFA code")
	}
	s.MFAVerified = true
	m.log.Info().Str("actor", s.ActorID).Str("session", id).Msg("mfa verified")
	return nil
}

// TOTPOptions are the parameters every enrolled authenticator uses.
var TOTPOptions = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// ValidateTOTP checks a six-digit code against secret at t, allowing one
// period of skew either side.
func ValidateTOTP(secret, code string, t time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, t, TOTPOptions)
	return err == nil && ok
}
