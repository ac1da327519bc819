package sidecar

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Exchanger exchanges this process's metrics with a single peer, returning the peer's metrics. Implementations wrap
// whatever transport reaches the peer.
type Exchanger interface {
	Exchange(ctx context.Context, local Metrics) (Metrics, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, local Metrics) (Metrics, error)

func (f ExchangerFunc) Exchange(ctx context.Context, local Metrics) (Metrics, error) {
	return f(ctx, local)
}

// Gossip periodically exchanges metrics with every peer until ctx is canceled, folding each peer's response into the
// registry's external rates. A failed exchange is logged and skipped; it does not stop the loop.
func (r *Registry) Gossip(ctx context.Context, interval time.Duration, exchangers []Exchanger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ExchangeAll(ctx, exchangers)
		}
	}
}

// ExchangeAll performs one concurrent exchange round against every peer.
func (r *Registry) ExchangeAll(ctx context.Context, exchangers []Exchanger) {
	local := r.Metrics()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, exchanger := range exchangers {
		group.Go(func() error {
			peer, err := exchanger.Exchange(groupCtx, local)
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("metrics exchange failed", "error", err)
				}
				return nil
			}
			r.ApplyPeerMetrics(peer)
			return nil
		})
	}
	_ = group.Wait()
}
