package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid/internal/proto"
	"opengrid/internal/testutil"
)

var src = &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 7946}

func TestDecodeSubstitutesUnspecifiedHost(t *testing.T) {
	ids := testutil.Identities(t, 2)
	sender := newCodec(ids[0].ID, []string{"0.0.0.0:7001", "10.1.1.1:7002"}, "")
	recv := newCodec(ids[1].ID, nil, "")

	data, err := sender.encode()
	require.NoError(t, err)
	now := time.Unix(100, 0)
	obs, err := recv.decode(data, src, now)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, Observation{NodeID: ids[0].ID, Addr: "192.168.1.5:7001", At: now}, obs[0])
	assert.Equal(t, "10.1.1.1:7002", obs[1].Addr)
}

func TestDecodeFiltersSelf(t *testing.T) {
	id := testutil.Identity(t, 1)
	c := newCodec(id.ID, []string{"10.0.0.1:7946"}, "")
	data, err := c.encode()
	require.NoError(t, err)
	_, err = c.decode(data, src, time.Now())
	assert.ErrorIs(t, err, errSelf)
}

func TestDecodeRejectsBadDatagrams(t *testing.T) {
	id := testutil.Identity(t, 1)
	c := newCodec(id.ID, nil, "")

	future, _ := json.Marshal(map[string]any{"v": 2, "node_id": testutil.Identity(t, 2).ID.String(), "addrs": []string{"10.0.0.1:1"}})
	_, err := c.decode(future, src, time.Now())
	assert.ErrorIs(t, err, proto.ErrUnknownVersion)

	_, err = c.decode([]byte("DISCOVER|peer"), src, time.Now())
	assert.ErrorIs(t, err, proto.ErrProtocolViolation)

	noAddrs, _ := json.Marshal(map[string]any{"v": 1, "node_id": testutil.Identity(t, 2).ID.String()})
	_, err = c.decode(noAddrs, src, time.Now())
	assert.ErrorIs(t, err, proto.ErrProtocolViolation)

	hostname, _ := json.Marshal(map[string]any{"v": 1, "node_id": testutil.Identity(t, 2).ID.String(), "addrs": []string{"example.com:80"}})
	_, err = c.decode(hostname, src, time.Now())
	assert.ErrorIs(t, err, proto.ErrProtocolViolation)
}

func TestSealedAnnouncements(t *testing.T) {
	ids := testutil.Identities(t, 2)
	sender := newCodec(ids[0].ID, []string{"10.0.0.1:7946"}, "grid-secret-0123")
	data, err := sender.encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), ids[0].ID.String(), "node id stays hidden")

	same := newCodec(ids[1].ID, nil, "grid-secret-0123")
	obs, err := same.decode(data, src, time.Now())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, ids[0].ID, obs[0].NodeID)

	other := newCodec(ids[1].ID, nil, "another-grid-key")
	_, err = other.decode(data, src, time.Now())
	assert.ErrorIs(t, err, proto.ErrProtocolViolation)

	open := newCodec(ids[1].ID, nil, "")
	_, err = open.decode(data, src, time.Now())
	assert.ErrorIs(t, err, errSealing)

	plain, err := newCodec(ids[0].ID, []string{"10.0.0.1:7946"}, "").encode()
	require.NoError(t, err)
	_, err = same.decode(plain, src, time.Now())
	assert.ErrorIs(t, err, errSealing)
}

func TestStaticEmitsPeersUntilCancelled(t *testing.T) {
	ids := testutil.Identities(t, 2)
	at := time.Unix(5000, 0)
	s := NewStatic([]StaticPeer{
		{ID: ids[0].ID, Addr: "10.0.0.1:7946"},
		{ID: ids[1].ID, Addr: "10.0.0.2:7946"},
	}, 10*time.Millisecond, func() time.Time { return at })

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Observation)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		select {
		case o := <-out:
			seen[o.Addr]++
			assert.Equal(t, at, o.At, "observations use the injected clock")
		case <-time.After(2 * time.Second):
			t.Fatal("no observation")
		}
	}
	assert.Equal(t, 2, seen["10.0.0.1:7946"])
	assert.Equal(t, 2, seen["10.0.0.2:7946"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("static discoverer did not stop")
	}
}

func TestMulticastLoopback(t *testing.T) {
	ids := testutil.Identities(t, 2)
	at := time.Unix(5000, 0)
	opts := MulticastOptions{
		Group:    "239.255.77.78:17946",
		Interval: 50 * time.Millisecond,
		Now:      func() time.Time { return at },
	}
	a, err := NewMulticast(ids[0].ID, []string{"0.0.0.0:7001"}, opts, nil, nil)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	b, err := NewMulticast(ids[1].ID, []string{"0.0.0.0:7002"}, opts, nil, nil)
	if err != nil {
		a.Close()
		t.Skipf("multicast unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outA := make(chan Observation, 16)
	outB := make(chan Observation, 16)
	go func() { _ = a.Run(ctx, outA) }()
	go func() { _ = b.Run(ctx, outB) }()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case o := <-outB:
			require.NotEqual(t, ids[1].ID, o.NodeID, "own announcement leaked")
			assert.Equal(t, ids[0].ID, o.NodeID)
			assert.Equal(t, at, o.At)
			_, port, _ := net.SplitHostPort(o.Addr)
			assert.Equal(t, "7001", port)
			return
		case <-deadline:
			t.Skip("no multicast delivery on this host")
		}
	}
}
