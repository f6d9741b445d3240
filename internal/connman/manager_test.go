package connman

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid/internal/node"
	"opengrid/internal/peer"
	"opengrid/internal/testutil"
)

var errRefused = errors.New("connection refused")

type fakeLink struct {
	id   node.NodeID
	addr string

	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (l *fakeLink) RemoteID() node.NodeID { return l.id }
func (l *fakeLink) RemoteAddr() string    { return l.addr }

func (l *fakeLink) Send(frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.sent = append(l.sent, frame)
	return true
}

func (l *fakeLink) ReadFrame() ([]byte, error) { return nil, errors.New("not readable") }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  map[node.NodeID]bool
	block map[node.NodeID]bool
	calls map[node.NodeID]int
	links []*fakeLink
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:  make(map[node.NodeID]bool),
		block: make(map[node.NodeID]bool),
		calls: make(map[node.NodeID]int),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string, want node.NodeID) (Link, error) {
	d.mu.Lock()
	d.calls[want]++
	fail, block := d.fail[want], d.block[want]
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errRefused
	}
	l := &fakeLink{id: want, addr: addr}
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDialer) setFail(id node.NodeID, v bool) {
	d.mu.Lock()
	d.fail[id] = v
	d.mu.Unlock()
}

func (d *fakeDialer) callsTo(id node.NodeID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type fakeObserver struct {
	up   []node.NodeID
	down []node.NodeID
}

func (o *fakeObserver) PeerConnected(c *Connection)     { o.up = append(o.up, c.Peer) }
func (o *fakeObserver) PeerDisconnected(id node.NodeID) { o.down = append(o.down, id) }

type harness struct {
	t      *testing.T
	m      *Manager
	dialer *fakeDialer
	obs    *fakeObserver
	ids    []node.NodeID
	now    time.Time
}

func newHarness(t *testing.T, peers int, opts Options) *harness {
	idents := testutil.Identities(t, peers+1)
	ids := make([]node.NodeID, peers)
	for i := range ids {
		ids[i] = idents[i+1].ID
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	h := &harness{
		t:      t,
		dialer: newFakeDialer(),
		obs:    &fakeObserver{},
		ids:    ids,
		now:    time.Unix(1000, 0),
	}
	h.m = New(idents[0].ID, opts, nil, h.dialer, h.obs, nil, nil)
	t.Cleanup(h.m.Close)
	return h
}

func addrOf(i int) string { return fmt.Sprintf("10.0.0.%d:7946", i+1) }

func (h *harness) discover(i int) {
	h.m.OnPeerDiscovered(h.ids[i], addrOf(i), h.now)
}

// settle feeds the next dial result back into the manager.
func (h *harness) settle() DialResult {
	h.t.Helper()
	select {
	case res := <-h.m.Results():
		h.m.HandleDialResult(res, h.now)
		return res
	case <-time.After(2 * time.Second):
		h.t.Fatal("no dial result")
		return DialResult{}
	}
}

func (h *harness) record(i int) *peer.Record {
	h.t.Helper()
	rec, ok := h.m.Table().Get(h.ids[i])
	require.True(h.t, ok, "peer %d not in table", i)
	return rec
}

func TestConnectionBoundUnderRandomDiscovery(t *testing.T) {
	const max = 3
	h := newHarness(t, 12, Options{MaxConnections: max, BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	for i := range h.ids {
		if i%4 == 0 {
			h.dialer.setFail(h.ids[i], true)
		}
	}
	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 600; step++ {
		switch op := rng.Intn(10); {
		case op < 5:
			h.discover(rng.Intn(len(h.ids)))
		case op < 8:
			if h.m.Dialing() > 0 {
				h.settle()
			}
		case op < 9:
			if up := h.m.Connected(); len(up) > 0 {
				id := up[rng.Intn(len(up))]
				c, _ := h.m.Connection(id)
				h.m.OnConnectionLost(id, c.ID, h.now)
			}
		default:
			h.now = h.now.Add(time.Duration(rng.Intn(5000)) * time.Millisecond)
			h.m.Tick(h.now)
		}
		require.LessOrEqual(t, h.m.InUse(), max, "step %d", step)
		require.LessOrEqual(t, len(h.m.Connected()), max, "step %d", step)
		require.LessOrEqual(t, h.m.Table().CountState(peer.Connected), max, "step %d", step)
	}
}

func TestReannounceIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.discover(0)
	h.settle()
	rec := h.record(0)
	require.Equal(t, peer.Connected, rec.State)

	for i := 0; i < 10; i++ {
		h.now = h.now.Add(time.Second)
		h.discover(0)
	}
	assert.Equal(t, 1, h.dialer.callsTo(h.ids[0]))
	assert.Equal(t, 0, h.m.Dialing())
	assert.Equal(t, peer.Connected, rec.State)
	assert.Equal(t, []string{addrOf(0)}, rec.Addrs)
	assert.Equal(t, h.now, rec.LastSeen)
	assert.Equal(t, 1, h.m.Table().Len())
}

func TestDisconnectGoesStaleAndRedialsOnce(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.discover(0)
	h.settle()
	first, ok := h.m.Connection(h.ids[0])
	require.True(t, ok)

	h.m.OnConnectionLost(h.ids[0], first.ID, h.now)
	rec := h.record(0)
	assert.Equal(t, peer.Stale, rec.State)
	assert.False(t, first.Alive)
	assert.True(t, first.Link.(*fakeLink).isClosed())
	assert.Equal(t, []node.NodeID{h.ids[0]}, h.obs.down)

	for i := 0; i < 5; i++ {
		h.discover(0)
	}
	assert.Equal(t, 1, h.m.Dialing())
	h.settle()
	assert.Equal(t, 2, h.dialer.callsTo(h.ids[0]))
	assert.Equal(t, peer.Connected, rec.State)

	// A late close for the replaced connection changes nothing.
	h.m.OnConnectionLost(h.ids[0], first.ID, h.now)
	assert.Equal(t, peer.Connected, rec.State)
	_, ok = h.m.Connection(h.ids[0])
	assert.True(t, ok)
}

func TestStaleRedialAfterTick(t *testing.T) {
	h := newHarness(t, 1, Options{RedialAfter: 10 * time.Second})
	h.discover(0)
	h.settle()
	c, _ := h.m.Connection(h.ids[0])
	h.m.OnConnectionLost(h.ids[0], c.ID, h.now)

	h.now = h.now.Add(5 * time.Second)
	h.m.Tick(h.now)
	assert.Equal(t, 0, h.m.Dialing())

	h.now = h.now.Add(5 * time.Second)
	h.m.Tick(h.now)
	assert.Equal(t, 1, h.m.Dialing())
	h.settle()
	assert.Equal(t, 2, h.dialer.callsTo(h.ids[0]))
	assert.Equal(t, peer.Connected, h.record(0).State)
}

func TestThreeDialFailuresKeepPeer(t *testing.T) {
	h := newHarness(t, 3, Options{MaxConnections: 2, BackoffBase: time.Second, BackoffMax: time.Minute})
	d := h.ids[0]
	h.dialer.setFail(d, true)

	h.discover(0)
	var waits []time.Duration
	for i := 1; i <= 3; i++ {
		h.settle()
		require.Equal(t, i, h.dialer.callsTo(d))
		rec := h.record(0)
		require.Equal(t, peer.Failed, rec.State)
		require.Equal(t, i, rec.FailCount)
		waits = append(waits, rec.NextDialAt.Sub(h.now))

		h.discover(0)
		require.Equal(t, 0, h.m.Dialing(), "no dial during backoff")

		if i < 3 {
			h.now = rec.NextDialAt
			h.m.Tick(h.now)
			require.Equal(t, 1, h.m.Dialing())
		}
	}
	assert.Less(t, waits[0], waits[1])
	assert.Less(t, waits[1], waits[2])

	// Fill both slots, then let the backoff run out.
	require.NoError(t, h.m.OnInbound(&fakeLink{id: h.ids[1], addr: addrOf(1)}, h.now))
	require.NoError(t, h.m.OnInbound(&fakeLink{id: h.ids[2], addr: addrOf(2)}, h.now))
	rec := h.record(0)
	h.now = rec.NextDialAt
	h.m.Tick(h.now)
	assert.Equal(t, peer.Discovered, rec.State)
	assert.Equal(t, 3, rec.FailCount)
	assert.Equal(t, 1, h.m.Deferred())
	assert.Equal(t, 3, h.m.Table().Len())
}

func TestDeferredQueueDrainsWhenSlotFrees(t *testing.T) {
	h := newHarness(t, 2, Options{MaxConnections: 1})
	h.discover(0)
	h.discover(1)
	h.discover(1)
	assert.Equal(t, 1, h.m.Deferred())
	assert.Equal(t, 0, h.dialer.callsTo(h.ids[1]))

	h.settle()
	assert.Equal(t, peer.Connected, h.record(0).State)
	assert.Equal(t, 1, h.m.Deferred())

	c, _ := h.m.Connection(h.ids[0])
	h.m.OnConnectionLost(h.ids[0], c.ID, h.now)
	assert.Equal(t, 0, h.m.Deferred())
	assert.Equal(t, peer.Dialing, h.record(1).State)
	h.settle()
	assert.Equal(t, peer.Connected, h.record(1).State)
	assert.Equal(t, peer.Stale, h.record(0).State)
}

// pick returns a peer whose ID sorts below (lower) or above our own.
func (h *harness) pick(lower bool) int {
	h.t.Helper()
	for i, id := range h.ids {
		if id.Less(h.m.self) == lower {
			return i
		}
	}
	h.t.Fatalf("no peer with lower=%v", lower)
	return -1
}

func TestInboundFromLowerIDCancelsDial(t *testing.T) {
	h := newHarness(t, 16, Options{MaxConnections: 1})
	lo, hi := h.pick(true), h.pick(false)
	h.discover(lo)
	require.Equal(t, 1, h.m.Dialing())

	in := &fakeLink{id: h.ids[lo], addr: "10.0.0.99:5000"}
	require.NoError(t, h.m.OnInbound(in, h.now))
	assert.Equal(t, 0, h.m.Dialing())
	c, ok := h.m.Connection(h.ids[lo])
	require.True(t, ok)
	assert.Equal(t, peer.Inbound, c.Direction)
	assert.Equal(t, []string{addrOf(lo)}, h.record(lo).Addrs)

	res := h.settle()
	if res.Link != nil {
		assert.True(t, res.Link.(*fakeLink).isClosed(), "superseded dial is closed")
	}
	c2, _ := h.m.Connection(h.ids[lo])
	assert.Equal(t, c.ID, c2.ID)

	dup := &fakeLink{id: h.ids[lo]}
	assert.ErrorIs(t, h.m.OnInbound(dup, h.now), ErrDuplicate)
	assert.True(t, dup.isClosed())

	full := &fakeLink{id: h.ids[hi]}
	assert.ErrorIs(t, h.m.OnInbound(full, h.now), ErrCapacity)
	assert.True(t, full.isClosed())
}

func TestInboundFromHigherIDLosesToOwnDial(t *testing.T) {
	h := newHarness(t, 16, Options{})
	hi := h.pick(false)
	h.discover(hi)

	in := &fakeLink{id: h.ids[hi]}
	assert.ErrorIs(t, h.m.OnInbound(in, h.now), ErrDuplicate)
	assert.True(t, in.isClosed())
	assert.Equal(t, 1, h.m.Dialing())

	h.settle()
	c, ok := h.m.Connection(h.ids[hi])
	require.True(t, ok)
	assert.Equal(t, peer.Outbound, c.Direction)

	late := &fakeLink{id: h.ids[hi]}
	assert.ErrorIs(t, h.m.OnInbound(late, h.now), ErrDuplicate)
	c2, _ := h.m.Connection(h.ids[hi])
	assert.Equal(t, c.ID, c2.ID)
}

func TestInboundFromLowerIDReplacesOutbound(t *testing.T) {
	h := newHarness(t, 16, Options{})
	lo := h.pick(true)
	h.discover(lo)
	h.settle()
	out, ok := h.m.Connection(h.ids[lo])
	require.True(t, ok)

	in := &fakeLink{id: h.ids[lo]}
	require.NoError(t, h.m.OnInbound(in, h.now))
	c, _ := h.m.Connection(h.ids[lo])
	assert.Equal(t, peer.Inbound, c.Direction)
	assert.NotEqual(t, out.ID, c.ID)
	assert.True(t, out.Link.(*fakeLink).isClosed())
	assert.Equal(t, []node.NodeID{h.ids[lo]}, h.obs.down)
	assert.Equal(t, []node.NodeID{h.ids[lo], h.ids[lo]}, h.obs.up)
	assert.Equal(t, peer.Connected, h.record(lo).State)
}

func TestDeprioritizeCoolsPeerDown(t *testing.T) {
	h := newHarness(t, 1, Options{ViolationCooldown: time.Minute})
	h.discover(0)
	h.settle()
	c, _ := h.m.Connection(h.ids[0])

	h.m.Deprioritize(h.ids[0], h.now)
	assert.True(t, c.Link.(*fakeLink).isClosed())
	assert.Equal(t, peer.Stale, h.record(0).State)
	assert.Equal(t, []node.NodeID{h.ids[0]}, h.obs.down)

	h.discover(0)
	assert.Equal(t, 0, h.m.Dialing())
	assert.ErrorIs(t, h.m.OnInbound(&fakeLink{id: h.ids[0]}, h.now), ErrCooldown)

	h.now = h.now.Add(time.Minute)
	h.discover(0)
	assert.Equal(t, 1, h.m.Dialing())
	h.settle()
	assert.Equal(t, 2, h.dialer.callsTo(h.ids[0]))
	assert.Equal(t, peer.Connected, h.record(0).State)
}

func TestSendGoesToConnectedLinkOnly(t *testing.T) {
	h := newHarness(t, 2, Options{})
	h.discover(0)
	h.settle()
	assert.True(t, h.m.Send(h.ids[0], []byte("x")))
	assert.False(t, h.m.Send(h.ids[1], []byte("x")))
	c, _ := h.m.Connection(h.ids[0])
	assert.Len(t, c.Link.(*fakeLink).sent, 1)
}

func TestCloseCancelsDialsInFlight(t *testing.T) {
	h := newHarness(t, 1, Options{DialTimeout: time.Hour})
	h.dialer.mu.Lock()
	h.dialer.block[h.ids[0]] = true
	h.dialer.mu.Unlock()
	h.discover(0)
	require.Equal(t, 1, h.m.Dialing())

	done := make(chan struct{})
	go func() {
		h.m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Equal(t, 0, h.m.Dialing())
}

func TestSelfIsIgnored(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.m.OnPeerDiscovered(h.m.self, "10.0.0.1:7946", h.now)
	assert.Equal(t, 0, h.m.Table().Len())
	assert.ErrorIs(t, h.m.OnInbound(&fakeLink{id: h.m.self}, h.now), ErrSelf)
}
