package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid/internal/node"
)

func nid(b byte) node.NodeID {
	var id node.NodeID
	id[0] = b
	return id
}

func TestObserveCreatesAndRefreshes(t *testing.T) {
	tbl := NewTable(Options{})
	now := time.Unix(1000, 0)

	rec, created, err := tbl.Observe(nid(1), "10.0.0.1:7000", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Discovered, rec.State)

	later := now.Add(time.Second)
	rec2, created, err := tbl.Observe(nid(1), "10.0.0.1:7000", later)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, rec, rec2)
	assert.Equal(t, later, rec.LastSeen)
	assert.Equal(t, []string{"10.0.0.1:7000"}, rec.Addrs)
	assert.Equal(t, 1, tbl.Len())
}

func TestObserveAddrsAppendOnlyDedup(t *testing.T) {
	tbl := NewTable(Options{})
	now := time.Unix(1000, 0)
	_, _, _ = tbl.Observe(nid(1), "10.0.0.1:7000", now)
	_, _, _ = tbl.Observe(nid(1), "10.0.0.2:7000", now)
	rec, _, _ := tbl.Observe(nid(1), "10.0.0.1:7000", now)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, rec.Addrs)

	rec.FailCount = 1
	assert.Equal(t, "10.0.0.2:7000", rec.DialAddr())
}

func TestPruneKeepsActiveRecords(t *testing.T) {
	tbl := NewTable(Options{StaleAfter: time.Minute})
	now := time.Unix(1000, 0)
	for i := byte(1); i <= 3; i++ {
		_, _, err := tbl.Observe(nid(i), "", now)
		require.NoError(t, err)
	}
	connected, _ := tbl.Get(nid(2))
	tbl.SetState(connected, Connected, now)
	dialing, _ := tbl.Get(nid(3))
	tbl.SetState(dialing, Dialing, now)

	removed := tbl.Prune(now.Add(2 * time.Minute))
	assert.Equal(t, []node.NodeID{nid(1)}, removed)
	assert.Equal(t, 2, tbl.Len())
}

func TestTableCapEvictsOldestIdle(t *testing.T) {
	tbl := NewTable(Options{Cap: 2})
	now := time.Unix(1000, 0)
	_, _, _ = tbl.Observe(nid(1), "", now)
	_, _, _ = tbl.Observe(nid(2), "", now.Add(time.Second))

	_, created, err := tbl.Observe(nid(3), "", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, created)
	_, ok := tbl.Get(nid(1))
	assert.False(t, ok, "oldest idle record evicted")

	for _, id := range []node.NodeID{nid(2), nid(3)} {
		rec, _ := tbl.Get(id)
		tbl.SetState(rec, Connected, now)
	}
	_, _, err = tbl.Observe(nid(4), "", now)
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestSnapshotIsCopyAndSorted(t *testing.T) {
	tbl := NewTable(Options{})
	now := time.Unix(1000, 0)
	_, _, _ = tbl.Observe(nid(9), "10.0.0.9:1", now)
	_, _, _ = tbl.Observe(nid(3), "10.0.0.3:1", now)

	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, nid(3), snap[0].ID)
	snap[0].Addrs[0] = "mutated"
	rec, _ := tbl.Get(nid(3))
	assert.Equal(t, "10.0.0.3:1", rec.Addrs[0])
	assert.Equal(t, 2, tbl.CountState(Discovered))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "inbound", Inbound.String())
}
