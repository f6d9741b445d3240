// Package discovery finds candidate peers and reports them as observations.
package discovery

import (
	"context"
	"time"

	"opengrid/internal/node"
)

const DefaultInterval = 5 * time.Second

// Observation says that a node was reachable at Addr when At was taken.
type Observation struct {
	NodeID node.NodeID
	Addr   string
	At     time.Time
}

// Discoverer produces observations until ctx is cancelled.
type Discoverer interface {
	Run(ctx context.Context, out chan<- Observation) error
}

func emit(ctx context.Context, out chan<- Observation, obs Observation) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	}
}
