// Package daemon runs the event loop that owns the peer table, the
// connections and the gossip overlay, and exposes the collaborator API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid/internal/config"
	"opengrid/internal/connman"
	"opengrid/internal/discovery"
	"opengrid/internal/gossip"
	"opengrid/internal/logging"
	"opengrid/internal/metrics"
	"opengrid/internal/network"
	"opengrid/internal/node"
	"opengrid/internal/peer"
	"opengrid/internal/proto"
)

var (
	// ErrStartup wraps every failure that prevents the daemon from starting.
	ErrStartup = errors.New("daemon startup failed")
	// ErrClosed is returned by API calls once the event loop has stopped.
	ErrClosed = errors.New("daemon stopped")
)

const snapshotInterval = 5 * time.Second

// Delivery is a gossip message handed to the local collaborator.
type Delivery = gossip.Delivery

type Options struct {
	Config   *config.Config
	Identity *node.Identity
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// Transport defaults to QUIC on Config.ListenAddr.
	Transport Transport
	// Discoverers default to multicast (unless disabled) plus static peers.
	Discoverers []discovery.Discoverer
	Now         func() time.Time
}

type inboundFrame struct {
	peer   node.NodeID
	connID uuid.UUID
	data   []byte
}

type linkClosed struct {
	peer   node.NodeID
	connID uuid.UUID
	err    error
}

type command struct {
	fn   func()
	done chan struct{}
}

// Runner is the single writer of peer, connection and dedup state. All of it
// is touched only from the goroutine inside Run.
type Runner struct {
	cfg         config.Config
	id          *node.Identity
	log         *zap.Logger
	metrics     *metrics.Metrics
	transport   Transport
	discoverers []discovery.Discoverer
	now         func() time.Time
	addrs       []string
	logLim      *logging.Limiter

	conns   *connman.Manager
	overlay *gossip.Overlay

	observations chan discovery.Observation
	inbound      chan connman.Link
	frames       chan inboundFrame
	closed       chan linkClosed
	commands     chan command
	deliveries   chan Delivery
	backlog      []Delivery

	started atomic.Bool
	runCtx  context.Context
	done    chan struct{}
	readers sync.WaitGroup
}

// NewRunner validates the configuration, creates the identity and binds the
// listening socket. Every error it returns wraps ErrStartup.
func NewRunner(opts Options) (*Runner, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	id := opts.Identity
	if id == nil {
		var err error
		if id, err = node.NewIdentity(nil); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	tr := opts.Transport
	if tr == nil {
		qt, err := network.Listen(id, cfg.ListenAddr, network.Options{
			HandshakeTimeout: cfg.HandshakeTimeout,
			SendQueue:        cfg.SendQueue,
			MaxConnsPerIP:    cfg.MaxConnsPerIP,
		}, log.Named("network"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		tr = quicTransport{t: qt}
	}
	addrs := cfg.AdvertiseAddrs
	if len(addrs) == 0 {
		addrs = []string{tr.LocalAddr()}
	}

	discoverers := opts.Discoverers
	if discoverers == nil {
		var err error
		if discoverers, err = defaultDiscoverers(cfg, id.ID, addrs, now, log, m); err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}

	r := &Runner{
		cfg:          cfg,
		id:           id,
		log:          log.Named("daemon"),
		metrics:      m,
		transport:    tr,
		discoverers:  discoverers,
		now:          now,
		addrs:        append([]string(nil), addrs...),
		logLim:       logging.NewLimiter(30 * time.Second),
		observations: make(chan discovery.Observation, 64),
		inbound:      make(chan connman.Link, 16),
		frames:       make(chan inboundFrame, 256),
		closed:       make(chan linkClosed, 16),
		commands:     make(chan command),
		deliveries:   make(chan Delivery, cfg.DeliveryBuffer),
		done:         make(chan struct{}),
	}
	table := peer.NewTable(peer.Options{Cap: cfg.PeerTableCap, StaleAfter: cfg.StaleAfter})
	r.conns = connman.New(id.ID, connman.Options{
		MaxConnections:    cfg.MaxConnections,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		DialTimeout:       cfg.DialTimeout,
		RedialAfter:       cfg.RedialAfter,
		ViolationCooldown: cfg.ViolationCooldown,
		Rand:              rand.New(rand.NewSource(now().UnixNano())),
	}, table, tr, r, log.Named("connman"), m)
	r.overlay = gossip.New(id, gossip.Config{
		SeenCapacity: cfg.SeenCacheCapacity,
		MaxPayload:   cfg.MaxPayloadBytes,
		MaxHops:      cfg.GossipMaxHops,
		RateLimit:    cfg.PeerRateLimit,
		RateBurst:    cfg.PeerRateBurst,
		Topics:       cfg.Topics,
	}, r.conns, r.deliver, log.Named("gossip"), m)
	return r, nil
}

// defaultDiscoverers stamps observations with now, the clock the peer table
// ages entries against.
func defaultDiscoverers(cfg config.Config, self node.NodeID, addrs []string, now func() time.Time, log *zap.Logger, m *metrics.Metrics) ([]discovery.Discoverer, error) {
	var out []discovery.Discoverer
	if !cfg.DisableMulticast {
		mc, err := discovery.NewMulticast(self, addrs, discovery.MulticastOptions{
			Group:      cfg.MulticastGroup,
			Interval:   cfg.DiscoveryInterval,
			NetworkKey: cfg.NetworkKey,
			Now:        now,
		}, log.Named("discovery"), m)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	if len(cfg.StaticPeers) > 0 {
		peers := make([]discovery.StaticPeer, 0, len(cfg.StaticPeers))
		for _, s := range cfg.StaticPeers {
			id, addr, err := config.ParseStaticPeer(s)
			if err != nil {
				return nil, err
			}
			peers = append(peers, discovery.StaticPeer{ID: id, Addr: addr})
		}
		out = append(out, discovery.NewStatic(peers, cfg.DiscoveryInterval, now))
	}
	return out, nil
}

// Run drives the event loop until ctx is cancelled. On return every link is
// closed, every producer goroutine has exited and Deliveries is closed.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runCtx = ctx

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		if err := r.transport.Serve(ctx, r.inbound); err != nil {
			r.log.Error("accept loop stopped", zap.Error(err))
		}
	}()
	for _, d := range r.discoverers {
		producers.Add(1)
		go func(d discovery.Discoverer) {
			defer producers.Done()
			if err := d.Run(ctx, r.observations); err != nil {
				r.log.Error("discovery stopped", zap.Error(err))
			}
		}(d)
	}
	if r.cfg.MetricsPath != "" {
		producers.Add(1)
		go func() {
			defer producers.Done()
			r.writeSnapshots(ctx)
		}()
	}

	r.log.Info("opengrid daemon running",
		logging.Node("node", r.id.ID),
		zap.Strings("addrs", r.addrs),
		zap.Strings("topics", r.overlay.Topics()),
		zap.Int("max_connections", r.cfg.MaxConnections))

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		var out chan Delivery
		var next Delivery
		if len(r.backlog) > 0 {
			out, next = r.deliveries, r.backlog[0]
		}
		select {
		case out <- next:
			r.backlog[0] = Delivery{}
			r.backlog = r.backlog[1:]
		case obs := <-r.observations:
			r.conns.OnPeerDiscovered(obs.NodeID, obs.Addr, obs.At)
		case res := <-r.conns.Results():
			r.conns.HandleDialResult(res, r.now())
		case link := <-r.inbound:
			if err := r.conns.OnInbound(link, r.now()); err != nil {
				r.log.Debug("inbound link refused", logging.Node("peer", link.RemoteID()), zap.Error(err))
			}
		case f := <-r.frames:
			r.handleFrame(f)
		case lc := <-r.closed:
			r.handleClosed(lc)
		case cmd := <-r.commands:
			cmd.fn()
			close(cmd.done)
		case <-ticker.C:
			r.conns.Tick(r.now())
		case <-ctx.Done():
			r.shutdown(cancel, &producers)
			return nil
		}
	}
}

func (r *Runner) shutdown(cancel context.CancelFunc, producers *sync.WaitGroup) {
	r.log.Info("shutting down")
	cancel()
	r.conns.Close()
	producers.Wait()
	for drained := false; !drained; {
		select {
		case link := <-r.inbound:
			_ = link.Close()
		default:
			drained = true
		}
	}
	if err := r.transport.Close(); err != nil {
		r.log.Debug("transport close", zap.Error(err))
	}
	r.readers.Wait()
	if r.cfg.MetricsPath != "" {
		if err := r.metrics.WriteSnapshot(r.cfg.MetricsPath, r.id.ID.String()); err != nil {
			r.log.Warn("final metrics snapshot", zap.Error(err))
		}
	}
	if n := len(r.backlog); n > 0 {
		r.log.Debug("discarding undelivered messages", zap.Int("count", n))
		r.backlog = nil
	}
	close(r.deliveries)
	close(r.done)
}

func (r *Runner) writeSnapshots(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.metrics.WriteSnapshot(r.cfg.MetricsPath, r.id.ID.String()); err != nil && r.logLim.Allow("snapshot") {
				r.log.Warn("write metrics snapshot", zap.String("path", r.cfg.MetricsPath), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// PeerConnected starts the reader for a new connection and introduces the
// peer to the overlay.
func (r *Runner) PeerConnected(c *connman.Connection) {
	r.overlay.OnPeerConnected(c.Peer)
	r.readers.Add(1)
	go r.readLoop(c.Peer, c.ID, c.Link)
}

func (r *Runner) PeerDisconnected(id node.NodeID) {
	r.overlay.OnPeerDisconnected(id)
}

func (r *Runner) readLoop(id node.NodeID, connID uuid.UUID, link connman.Link) {
	defer r.readers.Done()
	for {
		data, err := link.ReadFrame()
		if err != nil {
			select {
			case r.closed <- linkClosed{peer: id, connID: connID, err: err}:
			case <-r.runCtx.Done():
			}
			return
		}
		select {
		case r.frames <- inboundFrame{peer: id, connID: connID, data: data}:
		case <-r.runCtx.Done():
			return
		}
	}
}

func (r *Runner) current(id node.NodeID, connID uuid.UUID) bool {
	c, ok := r.conns.Connection(id)
	return ok && c.ID == connID
}

func (r *Runner) handleFrame(f inboundFrame) {
	if !r.current(f.peer, f.connID) {
		return
	}
	now := r.now()
	err := r.overlay.HandleFrame(f.peer, f.data, now)
	switch {
	case err == nil:
	case errors.Is(err, gossip.ErrRateLimited), errors.Is(err, proto.ErrOversize):
		if r.logLim.Allow("drop:" + f.peer.String()) {
			r.log.Info("frame dropped", logging.Node("peer", f.peer), zap.Error(err))
		}
	case errors.Is(err, proto.ErrUnknownVersion):
		r.log.Debug("ignoring frame with unknown version", logging.Node("peer", f.peer), zap.Error(err))
	case errors.Is(err, proto.ErrProtocolViolation):
		r.violation(f.peer, err, now)
	default:
		r.log.Warn("frame handling failed", logging.Node("peer", f.peer), zap.Error(err))
	}
}

func (r *Runner) handleClosed(lc linkClosed) {
	if !r.current(lc.peer, lc.connID) {
		return
	}
	now := r.now()
	// A framing error leaves the stream unreadable; treat it as the peer's fault.
	if errors.Is(lc.err, proto.ErrProtocolViolation) || errors.Is(lc.err, proto.ErrOversize) {
		r.violation(lc.peer, lc.err, now)
		return
	}
	r.log.Debug("link closed", logging.Node("peer", lc.peer), zap.Error(lc.err))
	r.conns.OnConnectionLost(lc.peer, lc.connID, now)
}

func (r *Runner) violation(id node.NodeID, err error, now time.Time) {
	r.metrics.IncDropByReason("link_violation")
	if r.logLim.Allow("violation:" + id.String()) {
		r.log.Warn("protocol violation, dropping link", logging.Node("peer", id), zap.Error(err))
	}
	r.conns.Deprioritize(id, now)
}

// deliver runs on the loop goroutine and never blocks: a collaborator that
// calls back into the API from its delivery handler must still find the loop
// selecting. Messages the channel cannot take wait in the backlog, and past
// DeliveryBacklog entries the newest one is dropped.
func (r *Runner) deliver(d Delivery) {
	if len(r.backlog) == 0 {
		select {
		case r.deliveries <- d:
			return
		default:
		}
	}
	if len(r.backlog) >= r.cfg.DeliveryBacklog {
		r.metrics.IncDropByReason("delivery_backlog")
		if r.logLim.Allow("delivery_backlog") {
			r.log.Warn("delivery backlog full, dropping message",
				zap.String("topic", d.Topic),
				zap.String("msg_id", d.ID.Short()),
				zap.Int("backlog", len(r.backlog)))
		}
		return
	}
	r.backlog = append(r.backlog, d)
}
