package guard

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/config"
	"github.com/org/authcore/pkg/models"
)

// Unblock clears a blocked source address. adminID is recorded in the audit log.
func (g *Guard) Unblock(ctx context.Context, adminID, address string) bool {
	changed := g.threat.Unblock(address)
	g.securityChange(ctx, adminID, "source address unblocked", changed, map[string]any{"address": address})
	return changed
}

// EnableActor re-enables an actor disabled by the response chain.
func (g *Guard) EnableActor(ctx context.Context, adminID, actorID string) bool {
	changed := g.threat.EnableActor(actorID)
	g.securityChange(ctx, adminID, "actor re-enabled", changed, map[string]any{"actor": actorID})
	return changed
}

func (g *Guard) securityChange(ctx context.Context, adminID, msg string, changed bool, details map[string]any) {
	details["changed"] = changed
	err := g.audit.Log(ctx, &models.AuditEvent{
		Category: models.CategorySecurity,
		Level:    models.AuditWarning,
		ActorID:  adminID,
		Message:  msg,
		Success:  true,
		Details:  details,
	})
	if err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
}

// ApplyConfig validates and applies the hot-reloadable parts of cfg: session
// policy, threat thresholds, role templates and the log level. Token and
// storage settings take effect on restart.
func (g *Guard) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		g.RejectConfig(ctx, err)
		return err
	}
	if err := g.threat.UpdateConfig(cfg.Threat); err != nil {
		g.RejectConfig(ctx, err)
		return err
	}
	if err := g.roles.Load(cfg.Roles); err != nil {
		g.RejectConfig(ctx, err)
		return err
	}
	g.sessions.UpdatePolicy(cfg.Session)
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	old := g.cfg.Swap(cfg)
	if old != nil && (old.Token != cfg.Token || old.Storage != cfg.Storage) {
		g.log.Warn().Msg("token and storage settings changed; they apply after restart")
	}
	if err := g.audit.LogConfigChange(ctx, systemActor, "reload", true, nil); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	return nil
}

// RejectConfig records a configuration revision that failed validation.
func (g *Guard) RejectConfig(ctx context.Context, err error) {
	if aerr := g.audit.LogConfigChange(ctx, systemActor, "reload", false, err); aerr != nil {
		g.log.Error().Err(aerr).Msg("audit write failed")
	}
}

// RotateSecrets regenerates every unpinned secret, then reloads the token
// signing keys. Credentials signed with the old key stop verifying. Only the
// rotated names are returned.
func (g *Guard) RotateSecrets(ctx context.Context, adminID string) ([]string, error) {
	ts, err := g.tokenService()
	if err != nil {
		return nil, err
	}
	rotated, rotErr := g.secrets.RotateAll(ctx)
	names := make([]string, 0, len(rotated))
	for name, v := range rotated {
		names = append(names, name)
		for i := range v {
			v[i] = 0
		}
	}
	sort.Strings(names)
	if err := ts.ReloadKeys(ctx); err != nil {
		return names, err
	}
	err = g.audit.Log(ctx, &models.AuditEvent{
		Category: models.CategoryConfiguration,
		Level:    models.AuditWarning,
		ActorID:  adminID,
		Message:  "secrets rotated",
		Success:  rotErr == nil,
		Details:  map[string]any{"secrets": names},
	})
	if err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	return names, rotErr
}

// CreateAccount registers a service account and returns its one-time secret.
func (g *Guard) CreateAccount(ctx context.Context, adminID string, acct auth.Account, secretTTL time.Duration) (*auth.Account, string, error) {
	if acct.Role == "" {
		acct.Role = "service"
	}
	created, secret, err := g.accounts.Create(ctx, acct, secretTTL)
	if err != nil {
		return nil, "", err
	}
	if err := g.audit.LogConfigChange(ctx, adminID, "account:"+created.ID, true, nil); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	return created, secret, nil
}
