package circuit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tanq16/torboost/internal/utils"
)

var (
	ErrBootstrapTimeout = errors.New("circuit: bootstrap timed out")
	ErrProcessExited    = errors.New("circuit: tor exited before bootstrap completed")
	ErrNoEndpoint       = errors.New("circuit: no endpoint for index")
	ErrInvalidProxy     = errors.New("circuit: invalid proxy address")
)

// Provider yields ready endpoints, one per zero-based index.
type Provider interface {
	Start(ctx context.Context, index int) (Endpoint, error)
	Close() error
}

// Connect brings up n endpoints concurrently. A single failure is fatal: the
// provider is closed and the first error returned.
func Connect(ctx context.Context, p Provider, n int) ([]Endpoint, error) {
	log := utils.GetLogger("circuit")
	if n <= 0 {
		return nil, fmt.Errorf("circuit: need at least one endpoint, got %d", n)
	}
	endpoints := make([]Endpoint, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			ep, err := p.Start(gctx, i)
			if err != nil {
				return fmt.Errorf("circuit %d: %w", i, err)
			}
			endpoints[i] = ep
			log.Debug().Int("circuit", i).Str("proxy", ep.ProxyURL()).Msg("Circuit ready")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if closeErr := p.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Error closing circuits after failed bootstrap")
		}
		return nil, err
	}
	log.Info().Int("circuits", n).Msg("All circuits ready")
	return endpoints, nil
}
