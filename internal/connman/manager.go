package connman

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid/internal/logging"
	"opengrid/internal/metrics"
	"opengrid/internal/node"
	"opengrid/internal/peer"
)

const (
	DefaultMaxConnections    = 32
	DefaultDialTimeout       = 5 * time.Second
	DefaultRedialAfter       = 10 * time.Second
	DefaultViolationCooldown = time.Minute
)

var (
	// ErrCapacity means no connection slot was free. Outbound dials are
	// deferred instead; inbound links are closed.
	ErrCapacity = errors.New("connection capacity reached")
	// ErrDuplicate is returned for a second link to an already connected peer.
	ErrDuplicate = errors.New("peer already connected")
	ErrCooldown  = errors.New("peer cooling down")
	ErrSelf      = errors.New("link to self")
)

// Link is an authenticated, framed channel to one remote node.
type Link interface {
	RemoteID() node.NodeID
	RemoteAddr() string
	// Send queues frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens outbound links. Dial must reject a remote whose identity is
// not want.
type Dialer interface {
	Dial(ctx context.Context, addr string, want node.NodeID) (Link, error)
}

// Observer is told when a peer becomes usable or stops being usable.
type Observer interface {
	PeerConnected(c *Connection)
	PeerDisconnected(id node.NodeID)
}

// Connection is an established link owned by the Manager.
type Connection struct {
	Peer          node.NodeID
	ID            uuid.UUID
	Direction     peer.Direction
	EstablishedAt time.Time
	Alive         bool
	Link          Link
}

// DialResult reports the outcome of one asynchronous dial.
type DialResult struct {
	Peer    node.NodeID
	Addr    string
	Link    Link
	Err     error
	attempt uint64
}

type Options struct {
	MaxConnections    int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DialTimeout       time.Duration
	RedialAfter       time.Duration
	ViolationCooldown time.Duration
	Rand              *rand.Rand
}

type pendingDial struct {
	attempt uint64
	addr    string
	cancel  context.CancelFunc
}

// Manager keeps the peer table and the live connections. Every method except
// Results must be called from the same goroutine.
type Manager struct {
	self    node.NodeID
	opts    Options
	table   *peer.Table
	dialer  Dialer
	obs     Observer
	log     *zap.Logger
	metrics *metrics.Metrics
	logLim  *logging.Limiter
	rng     *rand.Rand

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	results chan DialResult

	conns    map[node.NodeID]*Connection
	dialing  map[node.NodeID]*pendingDial
	deferred []node.NodeID
	queued   map[node.NodeID]struct{}
	attempt  uint64
}

func New(self node.NodeID, opts Options, table *peer.Table, dialer Dialer, obs Observer, log *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.RedialAfter <= 0 {
		opts.RedialAfter = DefaultRedialAfter
	}
	if opts.ViolationCooldown <= 0 {
		opts.ViolationCooldown = DefaultViolationCooldown
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if table == nil {
		table = peer.NewTable(peer.Options{})
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:    self,
		opts:    opts,
		table:   table,
		dialer:  dialer,
		obs:     obs,
		log:     log,
		metrics: m,
		logLim:  logging.NewLimiter(30 * time.Second),
		rng:     rng,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan DialResult, opts.MaxConnections),
		conns:   make(map[node.NodeID]*Connection),
		dialing: make(map[node.NodeID]*pendingDial),
		queued:  make(map[node.NodeID]struct{}),
	}
}

// Results delivers dial outcomes. The owner feeds them back through
// HandleDialResult.
func (m *Manager) Results() <-chan DialResult { return m.results }

func (m *Manager) Table() *peer.Table { return m.table }

func (m *Manager) Connection(id node.NodeID) (*Connection, bool) {
	c, ok := m.conns[id]
	return c, ok
}

// Connected returns the IDs of all established connections.
func (m *Manager) Connected() []node.NodeID {
	out := make([]node.NodeID, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// InUse counts established connections plus dials in flight.
func (m *Manager) InUse() int { return len(m.conns) + len(m.dialing) }

func (m *Manager) Dialing() int { return len(m.dialing) }

func (m *Manager) Deferred() int { return len(m.deferred) }

// Send queues frame on the link to id.
func (m *Manager) Send(id node.NodeID, frame []byte) bool {
	c, ok := m.conns[id]
	if !ok {
		return false
	}
	return c.Link.Send(frame)
}

// OnPeerDiscovered records an observation and dials the peer when it is idle
// and a slot is free. A peer already connected or dialing is only refreshed.
func (m *Manager) OnPeerDiscovered(id node.NodeID, addr string, now time.Time) {
	if id == m.self {
		return
	}
	rec, created, err := m.table.Observe(id, addr, now)
	if err != nil {
		if m.logLim.Allow("table-full") {
			m.log.Warn("peer table full, observation dropped", logging.Node("peer", id), zap.Error(err))
		}
		return
	}
	if created {
		m.metrics.SetPeerTableSize(m.table.Len())
		m.log.Debug("peer discovered", logging.Node("peer", id), zap.String("addr", addr))
	}
	m.maybeDial(rec, now)
}

func (m *Manager) maybeDial(rec *peer.Record, now time.Time) {
	if _, ok := m.conns[rec.ID]; ok {
		return
	}
	if _, ok := m.dialing[rec.ID]; ok {
		return
	}
	if now.Before(rec.CooldownUntil) {
		return
	}
	if rec.State == peer.Failed {
		if now.Before(rec.NextDialAt) {
			return
		}
		m.table.SetState(rec, peer.Discovered, now)
	}
	if m.InUse() >= m.opts.MaxConnections {
		m.enqueue(rec.ID)
		return
	}
	m.dial(rec, now)
}

func (m *Manager) enqueue(id node.NodeID) {
	if _, ok := m.queued[id]; ok {
		return
	}
	m.queued[id] = struct{}{}
	m.deferred = append(m.deferred, id)
	m.metrics.IncDeferred()
	m.log.Debug("dial deferred, at capacity", logging.Node("peer", id), zap.Int("in_use", m.InUse()))
}

func (m *Manager) dial(rec *peer.Record, now time.Time) {
	addr := rec.DialAddr()
	if addr == "" {
		return
	}
	m.attempt++
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	m.dialing[rec.ID] = &pendingDial{attempt: m.attempt, addr: addr, cancel: cancel}
	rec.Direction = peer.Outbound
	m.table.SetState(rec, peer.Dialing, now)
	m.metrics.IncDialAttempts()

	res := DialResult{Peer: rec.ID, Addr: addr, attempt: m.attempt}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res.Link, res.Err = m.dialer.Dial(ctx, addr, res.Peer)
		select {
		case m.results <- res:
		case <-m.ctx.Done():
			if res.Link != nil {
				_ = res.Link.Close()
			}
		}
	}()
}

// HandleDialResult applies a dial outcome. Results for a dial that was
// cancelled or superseded are discarded and their link closed.
func (m *Manager) HandleDialResult(res DialResult, now time.Time) {
	pd, ok := m.dialing[res.Peer]
	if !ok || pd.attempt != res.attempt {
		if res.Link != nil {
			_ = res.Link.Close()
		}
		return
	}
	delete(m.dialing, res.Peer)
	pd.cancel()

	rec, ok := m.table.Get(res.Peer)
	if !ok {
		if res.Link != nil {
			_ = res.Link.Close()
		}
		m.fillSlots(now)
		return
	}
	if res.Err != nil {
		m.fail(rec, res.Addr, res.Err, now)
		m.fillSlots(now)
		return
	}
	m.metrics.IncDialSuccess()
	m.establish(rec, res.Link, peer.Outbound, now)
}

func (m *Manager) fail(rec *peer.Record, addr string, err error, now time.Time) {
	rec.FailCount++
	wait := NextBackoff(m.opts.BackoffBase, m.opts.BackoffMax, rec.FailCount, m.rng)
	rec.NextDialAt = now.Add(wait)
	rec.Direction = peer.DirNone
	m.table.SetState(rec, peer.Failed, now)
	m.metrics.IncDialFail()
	if m.logLim.Allow("dial:" + rec.ID.String()) {
		m.log.Info("dial failed",
			logging.Node("peer", rec.ID),
			zap.String("addr", addr),
			zap.Int("fails", rec.FailCount),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
}

func (m *Manager) establish(rec *peer.Record, link Link, dir peer.Direction, now time.Time) {
	c := &Connection{
		Peer:          rec.ID,
		ID:            uuid.New(),
		Direction:     dir,
		EstablishedAt: now,
		Alive:         true,
		Link:          link,
	}
	m.conns[rec.ID] = c
	rec.FailCount = 0
	rec.NextDialAt = time.Time{}
	rec.LastSeen = now
	rec.Direction = dir
	m.table.SetState(rec, peer.Connected, now)
	m.updateGauges()
	m.log.Info("peer connected",
		logging.Node("peer", rec.ID),
		zap.String("addr", link.RemoteAddr()),
		zap.Stringer("direction", dir),
		zap.String("conn", c.ID.String()))
	if m.obs != nil {
		m.obs.PeerConnected(c)
	}
}

// OnInbound adopts an accepted link. When both sides dial each other at once
// the link dialled by the lower node ID wins on both ends: an inbound link
// from a lower ID replaces our outbound connection or cancels our dial and
// takes its slot, while one from a higher ID is closed with ErrDuplicate.
// Links from peers cooling down, or arriving with no free slot, are closed.
func (m *Manager) OnInbound(link Link, now time.Time) error {
	id := link.RemoteID()
	m.metrics.IncInboundTotal()
	if id == m.self {
		_ = link.Close()
		return ErrSelf
	}
	if rec, ok := m.table.Get(id); ok && now.Before(rec.CooldownUntil) {
		m.reject(link)
		return ErrCooldown
	}
	remoteWins := id.Less(m.self)
	if c, ok := m.conns[id]; ok {
		if c.Direction == peer.Inbound || !remoteWins {
			m.reject(link)
			return ErrDuplicate
		}
		m.log.Debug("replacing outbound link with simultaneous inbound", logging.Node("peer", id))
		m.drop(c, now)
	} else if pd, ok := m.dialing[id]; ok {
		if !remoteWins {
			m.reject(link)
			return ErrDuplicate
		}
		pd.cancel()
		delete(m.dialing, id)
	} else if m.InUse() >= m.opts.MaxConnections {
		m.reject(link)
		return ErrCapacity
	}
	rec, _, err := m.table.Observe(id, "", now)
	if err != nil {
		m.reject(link)
		return err
	}
	m.metrics.SetPeerTableSize(m.table.Len())
	m.establish(rec, link, peer.Inbound, now)
	return nil
}

func (m *Manager) reject(link Link) {
	m.metrics.IncRejected()
	_ = link.Close()
}

// OnConnectionLost drops the connection identified by connID. Events for a
// connection that was already replaced are ignored.
func (m *Manager) OnConnectionLost(id node.NodeID, connID uuid.UUID, now time.Time) {
	c, ok := m.conns[id]
	if !ok || c.ID != connID {
		return
	}
	m.drop(c, now)
	m.metrics.IncLost()
	m.log.Info("peer disconnected", logging.Node("peer", id), zap.String("conn", connID.String()))
	m.fillSlots(now)
}

func (m *Manager) drop(c *Connection, now time.Time) {
	delete(m.conns, c.Peer)
	c.Alive = false
	_ = c.Link.Close()
	if rec, ok := m.table.Get(c.Peer); ok {
		rec.Direction = peer.DirNone
		rec.LastSeen = now
		m.table.SetState(rec, peer.Stale, now)
	}
	m.updateGauges()
	if m.obs != nil {
		m.obs.PeerDisconnected(c.Peer)
	}
}

// Deprioritize closes any link to id after a protocol violation and keeps the
// peer from being dialled or accepted until the cooldown passes.
func (m *Manager) Deprioritize(id node.NodeID, now time.Time) {
	rec, ok := m.table.Get(id)
	if !ok {
		return
	}
	rec.CooldownUntil = now.Add(m.opts.ViolationCooldown)
	if c, ok := m.conns[id]; ok {
		m.drop(c, now)
	}
	if pd, ok := m.dialing[id]; ok {
		pd.cancel()
		delete(m.dialing, id)
		rec.Direction = peer.DirNone
		m.table.SetState(rec, peer.Stale, now)
	}
	m.log.Warn("peer deprioritized", logging.Node("peer", id), zap.Time("until", rec.CooldownUntil))
	m.fillSlots(now)
}

// Tick runs periodic maintenance: deferred dials first, then Failed peers
// whose backoff has elapsed and Stale peers past the redial delay, then
// pruning of inactive records.
func (m *Manager) Tick(now time.Time) {
	m.fillSlots(now)
	m.table.Each(func(rec *peer.Record) {
		switch rec.State {
		case peer.Failed:
			if !now.Before(rec.NextDialAt) {
				m.maybeDial(rec, now)
			}
		case peer.Stale:
			if now.Sub(rec.Since) >= m.opts.RedialAfter {
				m.maybeDial(rec, now)
			}
		}
	})
	for _, id := range m.table.Prune(now) {
		m.log.Debug("peer pruned", logging.Node("peer", id))
	}
	m.metrics.SetPeerTableSize(m.table.Len())
}

func (m *Manager) fillSlots(now time.Time) {
	for len(m.deferred) > 0 && m.InUse() < m.opts.MaxConnections {
		id := m.deferred[0]
		m.deferred = m.deferred[1:]
		delete(m.queued, id)
		if rec, ok := m.table.Get(id); ok {
			m.maybeDial(rec, now)
		}
	}
}

func (m *Manager) updateGauges() {
	out, in := 0, 0
	for _, c := range m.conns {
		if c.Direction == peer.Inbound {
			in++
		} else {
			out++
		}
	}
	m.metrics.SetConnected(out, in)
}

// Close cancels dials in flight, waits for their goroutines and closes every
// link. The Manager must not be used afterwards.
func (m *Manager) Close() {
	m.cancel()
	for id, pd := range m.dialing {
		pd.cancel()
		delete(m.dialing, id)
	}
	m.wg.Wait()
	for drained := false; !drained; {
		select {
		case res := <-m.results:
			if res.Link != nil {
				_ = res.Link.Close()
			}
		default:
			drained = true
		}
	}
	for _, c := range m.conns {
		c.Alive = false
		_ = c.Link.Close()
	}
	m.conns = make(map[node.NodeID]*Connection)
	m.updateGauges()
}
