package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"openinterp/internal/domain"
)

// FailoverClient tries multiple model clients in order and streams from the
// first healthy one. Retrying after deltas have been forwarded would replay
// text the caller already consumed, so a stream is never restarted on a
// different client mid-flight.
type FailoverClient struct {
	clients []domain.ModelClient
	logger  *slog.Logger
}

// NewFailoverClient creates a failover chain from the given clients.
// At least one client is required.
func NewFailoverClient(clients []domain.ModelClient, logger *slog.Logger) *FailoverClient {
	return &FailoverClient{
		clients: clients,
		logger:  logger,
	}
}

func (fc *FailoverClient) Name() string {
	names := make([]string, len(fc.clients))
	for i, c := range fc.clients {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, ",") + ")"
}

func (fc *FailoverClient) Model() string {
	if len(fc.clients) > 0 {
		return fc.clients[0].Model()
	}
	return ""
}

func (fc *FailoverClient) Healthy(ctx context.Context) error {
	for _, c := range fc.clients {
		if err := c.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy client in failover chain")
}

// StreamCompletion streams from the first client that passes a health check.
// When none is healthy the primary is tried anyway so its error surfaces.
func (fc *FailoverClient) StreamCompletion(ctx context.Context, req domain.CompletionRequest, out chan<- domain.TextDelta) error {
	if len(fc.clients) == 0 {
		return fmt.Errorf("failover chain is empty")
	}

	for i, c := range fc.clients {
		if err := c.Healthy(ctx); err != nil {
			fc.logger.Warn("failover: client unhealthy, trying next",
				"client", c.Name(),
				"attempt", i+1,
				"error", err,
			)
			continue
		}
		if i > 0 {
			fc.logger.Info("failover: using fallback client",
				"client", c.Name(),
				"attempt", i+1,
			)
		}
		return c.StreamCompletion(ctx, req, out)
	}

	return fc.clients[0].StreamCompletion(ctx, req, out)
}
