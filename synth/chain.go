package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Chain tries models in order until one returns a completion. Model errors
// (network, auth, empty output) advance the chain; only context cancellation
// stops it early.
type Chain struct {
	models []Model
	logger *slog.Logger
}

// NewChain builds a fallback chain. At least one model is required.
func NewChain(logger *slog.Logger, models ...Model) (*Chain, error) {
	if len(models) == 0 {
		return nil, errors.New("chain requires at least one model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{models: models, logger: logger}, nil
}

// Complete runs the chain and returns the first successful completion and
// the name of the model that produced it.
func (c *Chain) Complete(ctx context.Context, system, user string) (string, string, error) {
	var errs []error
	for _, m := range c.models {
		out, err := m.Complete(ctx, system, user)
		if err == nil {
			return out, m.Name(), nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		c.logger.Warn("model failed, trying next", "model", m.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
	}
	return "", "", fmt.Errorf("all models failed: %w", errors.Join(errs...))
}
