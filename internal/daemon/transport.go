package daemon

import (
	"context"

	"opengrid/internal/connman"
	"opengrid/internal/network"
	"opengrid/internal/node"
)

// Transport accepts and opens authenticated links.
type Transport interface {
	// Serve hands accepted links to out until ctx ends.
	Serve(ctx context.Context, out chan<- connman.Link) error
	Dial(ctx context.Context, addr string, want node.NodeID) (connman.Link, error)
	// LocalAddr is the bound listening address.
	LocalAddr() string
	Close() error
}

type quicTransport struct {
	t *network.Transport
}

func (q quicTransport) Serve(ctx context.Context, out chan<- connman.Link) error {
	conns := make(chan *network.Conn)
	errc := make(chan error, 1)
	go func() { errc <- q.t.Serve(ctx, conns) }()
	for {
		select {
		case c := <-conns:
			select {
			case out <- c:
			case <-ctx.Done():
				_ = c.Close()
			}
		case err := <-errc:
			return err
		}
	}
}

func (q quicTransport) Dial(ctx context.Context, addr string, want node.NodeID) (connman.Link, error) {
	c, err := q.t.Dial(ctx, addr, want)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (q quicTransport) LocalAddr() string { return q.t.Addr().String() }

func (q quicTransport) Close() error { return q.t.Close() }
