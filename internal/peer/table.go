package peer

import (
	"errors"
	"sort"
	"time"

	"opengrid/internal/node"
)

const (
	DefaultCap        = 512
	DefaultStaleAfter = 5 * time.Minute
)

var ErrTableFull = errors.New("peer table full")

type State int

const (
	Discovered State = iota
	Dialing
	Connected
	Failed
	Stale
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

type Direction int

const (
	DirNone Direction = iota
	Outbound
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "none"
	}
}

// Record is everything known about one remote node.
type Record struct {
	ID            node.NodeID
	Addrs         []string
	LastSeen      time.Time
	State         State
	Since         time.Time
	FailCount     int
	NextDialAt    time.Time
	CooldownUntil time.Time
	Direction     Direction
}

// DialAddr picks the address for the next attempt, rotating through known
// addresses as failures accumulate.
func (r *Record) DialAddr() string {
	if len(r.Addrs) == 0 {
		return ""
	}
	return r.Addrs[r.FailCount%len(r.Addrs)]
}

func (r *Record) HasAddr(addr string) bool {
	for _, a := range r.Addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// Table holds at most one Record per node ID. It has no locking: a single
// goroutine owns it.
type Table struct {
	cap        int
	staleAfter time.Duration
	records    map[node.NodeID]*Record
}

type Options struct {
	Cap        int
	StaleAfter time.Duration
}

func NewTable(opts Options) *Table {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &Table{
		cap:        capacity,
		staleAfter: stale,
		records:    make(map[node.NodeID]*Record),
	}
}

// Observe records that id was seen at addr. New records start Discovered;
// existing ones only get LastSeen refreshed and addr appended when new.
func (t *Table) Observe(id node.NodeID, addr string, now time.Time) (*Record, bool, error) {
	if rec, ok := t.records[id]; ok {
		rec.LastSeen = now
		if addr != "" && !rec.HasAddr(addr) {
			rec.Addrs = append(rec.Addrs, addr)
		}
		return rec, false, nil
	}
	if len(t.records) >= t.cap && !t.evictOne() {
		return nil, false, ErrTableFull
	}
	rec := &Record{
		ID:       id,
		LastSeen: now,
		State:    Discovered,
		Since:    now,
	}
	if addr != "" {
		rec.Addrs = []string{addr}
	}
	t.records[id] = rec
	return rec, true, nil
}

func (t *Table) Get(id node.NodeID) (*Record, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

func (t *Table) SetState(rec *Record, s State, now time.Time) {
	if rec.State == s {
		return
	}
	rec.State = s
	rec.Since = now
}

func (t *Table) Len() int {
	return len(t.records)
}

// CountState returns how many records are in state s.
func (t *Table) CountState(s State) int {
	n := 0
	for _, rec := range t.records {
		if rec.State == s {
			n++
		}
	}
	return n
}

// Each calls fn for every record in node ID order.
func (t *Table) Each(fn func(*Record)) {
	ids := make([]node.NodeID, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		fn(t.records[id])
	}
}

// Snapshot returns copies of all records, sorted by node ID.
func (t *Table) Snapshot() []Record {
	out := make([]Record, 0, len(t.records))
	t.Each(func(rec *Record) {
		cp := *rec
		cp.Addrs = append([]string(nil), rec.Addrs...)
		out = append(out, cp)
	})
	return out
}

// Prune removes records with no activity for the staleness window. Dialing
// and Connected records are kept.
func (t *Table) Prune(now time.Time) []node.NodeID {
	var removed []node.NodeID
	for id, rec := range t.records {
		if !removable(rec) {
			continue
		}
		if now.Sub(rec.LastSeen) > t.staleAfter {
			delete(t.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (t *Table) evictOne() bool {
	var victim *Record
	for _, rec := range t.records {
		if !removable(rec) {
			continue
		}
		if victim == nil || rec.LastSeen.Before(victim.LastSeen) {
			victim = rec
		}
	}
	if victim == nil {
		return false
	}
	delete(t.records, victim.ID)
	return true
}

func removable(rec *Record) bool {
	return rec.State != Dialing && rec.State != Connected
}
