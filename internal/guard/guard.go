// Package guard wires the security core together and exposes its public
// surface: credential verification, permission checks, session lifecycle and
// the authentication/access event feeds of the threat engine.
package guard

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/audit"
	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/config"
	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/internal/policy"
	"github.com/org/authcore/internal/secret"
	"github.com/org/authcore/internal/session"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/internal/threat"
	"github.com/org/authcore/pkg/models"
)

const (
	checkRecord = "keys/check"
	checkValue  = "authcore-unseal-check"
	mfaPrefix   = "mfa-"
	systemActor = "system"
)

// ErrAlreadyInitialized is returned by Init once root key shares exist.
var ErrAlreadyInitialized = errors.New("security core is already initialized")

// Guard is the explicitly constructed security core. Build it with New,
// call Start, and Shutdown when done.
type Guard struct {
	cfg atomic.Pointer[config.Config]

	backend  storage.Backend
	seal     *core.SealManager
	enc      *secret.Encryptor
	secrets  *secret.Store
	tokens   atomic.Pointer[auth.TokenService]
	accounts *auth.Accounts
	roles    *policy.Registry
	sessions *session.Manager
	audit    *audit.Logger
	threat   *threat.Engine

	activateMu sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	now        func() time.Time
	notifier   threat.Notifier
	auditSinks []audit.Sink
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithNotifier routes threat alerts to n instead of the log.
func WithNotifier(n threat.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithAuditSink adds an extra audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSinks = append(o.auditSinks, s) }
}

// New validates cfg and builds every component over backend. The master key
// starts sealed; Start unseals it in development when a root key file is set.
func New(cfg *config.Config, backend storage.Backend, log zerolog.Logger, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	roles, err := policy.NewRegistry(cfg.Roles)
	if err != nil {
		return nil, core.Wrap(core.KindConfigInvalid, "roles", err)
	}

	auditOpts := []audit.Option{
		audit.WithBackend(backend),
		audit.WithMaxInMemory(cfg.Audit.MaxInMemory),
		audit.WithClock(o.now),
	}
	if cfg.Audit.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.File.Path), 0700); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithSink(audit.NewFileSink(cfg.Audit.File)))
	}
	for _, s := range o.auditSinks {
		auditOpts = append(auditOpts, audit.WithSink(s))
	}
	auditLog := audit.NewLogger(log, auditOpts...)

	g := &Guard{
		backend:  backend,
		seal:     core.NewSealManager(cfg.UnsealThreshold),
		accounts: auth.NewAccounts(backend),
		roles:    roles,
		sessions: session.NewManager(cfg.Session, log),
		audit:    auditLog,
		now:      o.now,
		log:      log.With().Str("component", "guard").Logger(),
	}
	g.cfg.Store(cfg)
	g.enc = secret.NewEncryptor(g.seal)
	g.secrets = secret.NewStore(backend, g.enc, log)
	g.secrets.Pin(mfaPrefix)
	g.accounts.SetClock(o.now)
	g.sessions.SetClock(o.now)

	threatOpts := []threat.Option{
		threat.WithAuditor(auditLog),
		threat.WithClock(o.now),
		threat.WithTickHook(func(context.Context) { g.sessions.SweepExpired() }),
	}
	if o.notifier != nil {
		threatOpts = append(threatOpts, threat.WithNotifier(o.notifier))
	}
	g.threat, err = threat.NewEngine(cfg.Threat, backend, log, threatOpts...)
	if err != nil {
		return nil, err
	}
	metrics.SealStatus.Set(0)
	return g, nil
}

// Config returns the active configuration.
func (g *Guard) Config() *config.Config { return g.cfg.Load() }

func (g *Guard) Audit() *audit.Logger { return g.audit }

func (g *Guard) Threat() *threat.Engine { return g.threat }

func (g *Guard) Sessions() *session.Manager { return g.sessions }

func (g *Guard) Roles() *policy.Registry { return g.roles }

func (g *Guard) Accounts() *auth.Accounts { return g.accounts }

// Start restores persisted audit and threat state, unseals from the
// development root key when configured, and launches the background sweep.
func (g *Guard) Start(ctx context.Context) error {
	if n, err := g.audit.Replay(ctx); err != nil {
		return fmt.Errorf("replaying audit log: %w", err)
	} else if n > 0 {
		g.log.Info().Int("events", n).Msg("audit history restored")
	}
	if err := g.threat.Load(ctx); err != nil {
		return fmt.Errorf("loading threat state: %w", err)
	}

	if path := g.Config().DevRootKeyFile; path != "" {
		if err := g.devUnseal(ctx, path); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = g.threat.Run(runCtx)
	}()
	g.log.Info().Bool("sealed", g.seal.IsSealed()).Msg("security core started")
	return nil
}

// Shutdown stops the sweep, flushes threat state, closes the audit sinks and
// wipes key material from memory.
func (g *Guard) Shutdown(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return core.Wrap(core.KindTimeout, "shutdown", ctx.Err())
	}

	var errs []error
	if err := g.threat.Sweep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final sweep: %w", err))
	}
	if err := g.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit log: %w", err))
	}
	g.Seal()
	g.log.Info().Msg("security core stopped")
	return errors.Join(errs...)
}

// tokenService returns the active token service, or ErrSealed before unseal.
func (g *Guard) tokenService() (*auth.TokenService, error) {
	ts := g.tokens.Load()
	if ts == nil {
		return nil, core.E(core.KindSealed, "", "security core is sealed")
	}
	return ts, nil
}

// SealStatus describes master-key custody.
type SealStatus struct {
	Initialized bool `json:"initialized"`
	Sealed      bool `json:"sealed"`
	Threshold   int  `json:"threshold"`
	Progress    int  `json:"progress"`
}

func (g *Guard) SealStatus(ctx context.Context) (SealStatus, error) {
	_, err := g.backend.Get(ctx, checkRecord)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return SealStatus{}, err
	}
	return SealStatus{
		Initialized: err == nil,
		Sealed:      g.seal.IsSealed(),
		Threshold:   g.seal.Threshold(),
		Progress:    g.seal.SharesProvided(),
	}, nil
}

// Init generates the root key, returns its shares once and unseals.
func (g *Guard) Init(ctx context.Context) ([][]byte, error) {
	if _, err := g.backend.Get(ctx, checkRecord); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	cfg := g.Config()
	root, err := crypto.GenerateRootKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(root)
	shares, err := crypto.SplitRootKey(root, cfg.UnsealShares, cfg.UnsealThreshold)
	if err != nil {
		return nil, fmt.Errorf("splitting root key: %w", err)
	}
	if err := g.seal.UnsealWithRootKey(root); err != nil {
		return nil, err
	}
	if err := g.activate(ctx); err != nil {
		g.Seal()
		return nil, err
	}
	g.systemEvent(ctx, "security core initialized", map[string]any{
		"shares": cfg.UnsealShares, "threshold": cfg.UnsealThreshold,
	})
	return shares, nil
}

// Unseal submits one root key share. It reports whether the core is now
// unsealed. A reconstructed key that does not match the stored check record
// is rejected and the core stays sealed.
func (g *Guard) Unseal(ctx context.Context, share []byte) (bool, error) {
	done, err := g.seal.Unseal(share)
	if err != nil || !done {
		return false, err
	}
	if g.tokens.Load() != nil {
		return true, nil
	}
	if err := g.activate(ctx); err != nil {
		g.Seal()
		return false, err
	}
	g.systemEvent(ctx, "security core unsealed", nil)
	return true, nil
}

// Seal wipes the KEK and the signing keys. Verification fails with Sealed
// until the next unseal.
func (g *Guard) Seal() {
	g.seal.Seal()
	g.tokens.Store(nil)
	g.enc.SetKeyPair(nil)
	metrics.SealStatus.Set(0)
}

// activate runs once the KEK is available: it verifies the key against the
// check record, restores the hybrid key pair and loads the token service.
func (g *Guard) activate(ctx context.Context) error {
	g.activateMu.Lock()
	defer g.activateMu.Unlock()
	if g.tokens.Load() != nil {
		return nil
	}
	if err := g.verifyCheck(ctx); err != nil {
		return err
	}
	cfg := g.Config()
	if _, err := g.secrets.LoadOrCreateKeyPair(ctx, cfg.HybridKeyBits); err != nil {
		return fmt.Errorf("loading encryption key pair: %w", err)
	}
	alg := cfg.Token.Algorithm
	g.secrets.RegisterGenerator(auth.SigningKeyName, func() ([]byte, error) {
		return auth.GenerateSigningMaterial(alg)
	})
	ts, err := auth.NewTokenService(ctx, cfg.Token, g.secrets, auth.WithClock(g.now), auth.WithLogger(g.log))
	if err != nil {
		return err
	}
	g.tokens.Store(ts)
	metrics.SealStatus.Set(1)
	return nil
}

func (g *Guard) verifyCheck(ctx context.Context) error {
	raw, err := g.backend.Get(ctx, checkRecord)
	if errors.Is(err, storage.ErrNotFound) {
		pkg, err := g.enc.Encrypt([]byte(checkValue), models.ClassConfidential)
		if err != nil {
			return err
		}
		b, err := json.Marshal(pkg)
		if err != nil {
			return err
		}
		return g.backend.Put(ctx, checkRecord, b)
	}
	if err != nil {
		return err
	}
	var pkg models.EncryptedPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return core.Wrap(core.KindDecryptionFailed, "corrupt_record", err)
	}
	got, err := g.enc.Decrypt(&pkg)
	if err != nil || !bytes.Equal(got, []byte(checkValue)) {
		return core.E(core.KindDecryptionFailed, "wrong_root_key", "root key does not match this store")
	}
	return nil
}

// devUnseal reads the raw root key from path, creating it on first start.
func (g *Guard) devUnseal(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	var root []byte
	switch {
	case errors.Is(err, os.ErrNotExist):
		root, err = crypto.GenerateRootKey()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		enc := base64.StdEncoding.EncodeToString(root)
		if err := os.WriteFile(path, []byte(enc+"\n"), 0600); err != nil {
			return fmt.Errorf("writing dev root key: %w", err)
		}
		g.log.Warn().Str("file", path).Msg("generated development root key; never use this in production")
	case err != nil:
		return fmt.Errorf("reading dev root key: %w", err)
	default:
		root, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return core.Wrap(core.KindConfigInvalid, "dev_root_key", err)
		}
	}
	defer crypto.Zero(root)
	if err := g.seal.UnsealWithRootKey(root); err != nil {
		return core.Wrap(core.KindConfigInvalid, "dev_root_key", err)
	}
	if err := g.activate(ctx); err != nil {
		g.Seal()
		return err
	}
	return nil
}

func (g *Guard) systemEvent(ctx context.Context, msg string, details map[string]any) {
	err := g.audit.Log(ctx, &models.AuditEvent{
		Category: models.CategorySystem,
		Level:    models.AuditInfo,
		ActorID:  systemActor,
		Message:  msg,
		Success:  true,
		Details:  details,
	})
	if err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
}
