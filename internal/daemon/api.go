package daemon

import (
	"context"

	"opengrid/internal/node"
	"opengrid/internal/peer"
)

// ID is this node's identifier.
func (r *Runner) ID() node.NodeID { return r.id.ID }

// Addrs are the endpoints advertised to other nodes.
func (r *Runner) Addrs() []string { return append([]string(nil), r.addrs...) }

// Deliveries yields every message received on a subscribed topic, at most once
// per message ID while the ID is remembered. It is closed when Run returns.
func (r *Runner) Deliveries() <-chan Delivery { return r.deliveries }

// Publish floods payload to the topic. It returns once the message has been
// handed to the links; there is no acknowledgement.
func (r *Runner) Publish(ctx context.Context, topic string, payload []byte) error {
	var err error
	if derr := r.do(ctx, func() { _, err = r.overlay.Publish(topic, payload, r.now()) }); derr != nil {
		return derr
	}
	return err
}

func (r *Runner) Subscribe(ctx context.Context, topic string) error {
	var err error
	if derr := r.do(ctx, func() { err = r.overlay.Subscribe(topic) }); derr != nil {
		return derr
	}
	return err
}

func (r *Runner) Unsubscribe(ctx context.Context, topic string) error {
	var err error
	if derr := r.do(ctx, func() { err = r.overlay.Unsubscribe(topic) }); derr != nil {
		return derr
	}
	return err
}

// Peers returns a copy of the peer table.
func (r *Runner) Peers(ctx context.Context) ([]peer.Record, error) {
	var out []peer.Record
	if err := r.do(ctx, func() { out = r.conns.Table().Snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Topics returns the local subscription set.
func (r *Runner) Topics(ctx context.Context) ([]string, error) {
	var out []string
	if err := r.do(ctx, func() { out = r.overlay.Topics() }); err != nil {
		return nil, err
	}
	return out, nil
}

// do runs fn on the loop goroutine and waits for it.
func (r *Runner) do(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-r.done:
		return ErrClosed
	}
}
