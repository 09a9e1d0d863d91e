package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/relayforge/oauth-connect/storage"
)

// perConnectionTimeout bounds each connection's share of a background
// pass, provider retries included.
func (s *Service) perConnectionTimeout() time.Duration {
	return 3 * s.cfg.Tokens.ProviderTimeout
}

// refreshLoop is the refresh scheduler: every tick it refreshes active
// connections whose tokens fall inside the look-ahead window.
func (s *Service) refreshLoop(ctx context.Context) {
	defer s.jobsWG.Done()

	ticker := time.NewTicker(s.cfg.Jobs.RefreshInterval)
	defer ticker.Stop()

	s.logger.Info("Refresh scheduler started", "interval", s.cfg.Jobs.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runRefreshPass(ctx)
		}
	}
}

// runRefreshPass refreshes every due connection. Failures are isolated:
// one connection's bad day never aborts the batch.
func (s *Service) runRefreshPass(ctx context.Context) {
	cutoff := s.now().Add(s.cfg.Tokens.RefreshLookAhead)
	conns, err := s.store.ListExpiring(ctx, cutoff)
	if err != nil {
		s.logger.Error("Refresh pass failed to list expiring connections", "error", err)
		return
	}
	if len(conns) == 0 {
		return
	}

	s.logger.Debug("Refresh pass starting", "due", len(conns))

	var refreshed, failed int
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}

		cctx, cancel := context.WithTimeout(ctx, s.perConnectionTimeout())
		_, err := s.refresh(cctx, conn.ID, "background")
		cancel()

		if err != nil {
			failed++
			s.logger.Warn("Scheduled refresh failed",
				"connection_id", conn.ID,
				"provider", conn.Provider,
				"error", err)
			continue
		}
		refreshed++
	}

	s.logger.Info("Refresh pass finished", "refreshed", refreshed, "failed", failed)
}

// healthLoop is the health monitor: every tick it probes each active
// connection's token against the provider. Diagnostic only; it never
// changes a connection's lifecycle status.
func (s *Service) healthLoop(ctx context.Context) {
	defer s.jobsWG.Done()

	ticker := time.NewTicker(s.cfg.Jobs.HealthCheckInterval)
	defer ticker.Stop()

	s.logger.Info("Health monitor started", "interval", s.cfg.Jobs.HealthCheckInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			s.runHealthPass(ctx)
		}
	}
}

func (s *Service) runHealthPass(ctx context.Context) {
	conns, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error("Health pass failed to list active connections", "error", err)
		return
	}

	var healthy, unhealthy int
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}

		cctx, cancel := context.WithTimeout(ctx, s.perConnectionTimeout())
		result, err := s.CheckConnectionHealth(cctx, conn.ID)
		cancel()

		if err != nil {
			s.logger.Warn("Health check errored",
				"connection_id", conn.ID,
				"provider", conn.Provider,
				"error", err)
			continue
		}
		if result.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	if healthy+unhealthy > 0 {
		s.logger.Info("Health pass finished", "healthy", healthy, "unhealthy", unhealthy)
	}
}

// CheckConnectionHealth probes one connection's token against the
// provider and records the outcome on the record. Also serves the manual
// admin probe.
func (s *Service) CheckConnectionHealth(ctx context.Context, connectionID string) (*HealthCheckResult, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound("no such connection")
		}
		return nil, ErrServerError("failed to load connection")
	}

	result := &HealthCheckResult{
		ConnectionID: connectionID,
		CheckedAt:    s.now(),
	}

	token, err := s.GetAccessToken(ctx, TokenRequest{ConnectionID: connectionID})
	if err != nil {
		var ferr *FlowError
		if errors.As(err, &ferr) && ferr.Code == ErrorCodeConnectionNotActive {
			result.Healthy = false
			result.Reason = ferr.Description
			s.recordHealth(ctx, conn, result)
			return result, nil
		}
		return nil, err
	}

	// The token fetch may have refreshed the record; reload so the
	// health write targets the current version.
	if token.Source == tokenSourceRefresh {
		if current, gerr := s.store.GetConnection(ctx, connectionID); gerr == nil {
			conn = current
		}
	}

	provider, ferr := s.provider(conn.Provider)
	if ferr != nil {
		return nil, ferr
	}

	pctx, cancel := s.providerCtx(ctx)
	liveness, err := provider.CheckLiveness(pctx, token.AccessToken)
	cancel()
	if err != nil {
		// The probe itself failed (network, provider outage). That says
		// nothing about the token, so the stored health fields keep
		// their last observation.
		s.logger.Warn("Liveness probe failed",
			"connection_id", connectionID,
			"provider", conn.Provider,
			"error", err)
		return nil, ErrExchangeFailed("liveness probe failed; try again later")
	}

	result.Healthy = liveness.Healthy
	result.Reason = liveness.Reason
	s.recordHealth(ctx, conn, result)
	return result, nil
}

// recordHealth persists the probe outcome. Best effort: losing a version
// race means the record moved on and the next probe will catch up.
func (s *Service) recordHealth(ctx context.Context, conn *storage.Connection, result *HealthCheckResult) {
	status := storage.HealthHealthy
	if !result.Healthy {
		status = storage.HealthUnhealthy
	}

	updated := conn.Clone()
	updated.LastHealthCheckAt = result.CheckedAt
	updated.HealthCheckStatus = status
	updated.HealthCheckError = result.Reason
	updated.UpdatedAt = result.CheckedAt

	if err := s.store.UpdateConnection(ctx, updated, conn.Version); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		s.logger.Warn("Failed to record health check",
			"connection_id", conn.ID,
			"error", err)
	}

	s.metrics().RecordHealthCheck(ctx, conn.Provider, result.Healthy)
}
