package discovery

import (
	"context"
	"time"

	"opengrid/internal/node"
)

type StaticPeer struct {
	ID   node.NodeID
	Addr string
}

// Static re-announces a fixed peer list every interval. It stands in for
// multicast on networks that drop it.
type Static struct {
	peers    []StaticPeer
	interval time.Duration
	now      func() time.Time
}

// NewStatic stamps observations with now, or time.Now when it is nil.
func NewStatic(peers []StaticPeer, interval time.Duration, now func() time.Time) *Static {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Static{peers: append([]StaticPeer(nil), peers...), interval: interval, now: now}
}

func (s *Static) Run(ctx context.Context, out chan<- Observation) error {
	if len(s.peers) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		now := s.now()
		for _, p := range s.peers {
			if !emit(ctx, out, Observation{NodeID: p.ID, Addr: p.Addr, At: now}) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
