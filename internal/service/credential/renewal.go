package credential

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
)

// renewalWindow is how close to the margin-adjusted deadline a token must
// be for the loop to renew it proactively.
const renewalWindow = 5 * time.Minute

// RenewalLoop keeps the active credential's token fresh independent of
// request traffic, so the first real request of the day never pays a
// synchronous refresh latency penalty.
type RenewalLoop struct {
	manager  *Manager
	repo     repository.CredentialRepository
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRenewalLoop wires the periodic renewal task.
func NewRenewalLoop(manager *Manager, repo repository.CredentialRepository, interval time.Duration, logger *zap.Logger) *RenewalLoop {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RenewalLoop{
		manager:  manager,
		repo:     repo,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. The loop must survive arbitrarily many
// credential lifecycles, so tick failures are logged, never fatal.
func (l *RenewalLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("token renewal loop started", zap.Duration("interval", l.interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("token renewal loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick renews the active credential when its expiry is inside the renewal
// window. An already-missed deadline is left for the next on-demand
// ValidAccessToken call.
func (l *RenewalLoop) tick(ctx context.Context) {
	cred, err := l.repo.GetActive(ctx)
	if err != nil {
		l.logger.Error("renewal tick: load credential", zap.Error(err))
		return
	}
	if cred == nil || cred.TokenExpiresAt == nil {
		return
	}

	remaining := cred.TokenExpiresAt.Sub(l.now())
	if remaining <= 0 || remaining >= renewalWindow {
		return
	}

	l.logger.Info("proactively renewing token",
		zap.Int64("credential_id", cred.ID), zap.Duration("remaining", remaining))
	if _, err := l.manager.ForceRefresh(ctx); err != nil {
		// ForceRefresh already deactivated the credential when the grant
		// itself was rejected.
		l.logger.Error("automatic renewal failed", zap.Int64("credential_id", cred.ID), zap.Error(err))
		return
	}
	l.logger.Info("token renewed", zap.Int64("credential_id", cred.ID))
}
