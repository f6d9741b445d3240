package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	NodeID       string            `json:"node_id,omitempty"`
	Discovery    DiscoveryMetrics  `json:"discovery"`
	Conn         ConnMetrics       `json:"conn"`
	Gossip       GossipMetrics     `json:"gossip"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type DiscoveryMetrics struct {
	AnnounceSent   uint64 `json:"announce_sent"`
	AnnounceFailed uint64 `json:"announce_failed"`
	AnnounceRecv   uint64 `json:"announce_recv"`
	PeerTableSize  uint64 `json:"peer_table_size"`
}

type ConnMetrics struct {
	DialAttempts uint64 `json:"dial_attempts"`
	DialSuccess  uint64 `json:"dial_success"`
	DialFail     uint64 `json:"dial_fail"`
	Deferred     uint64 `json:"deferred"`
	InboundTotal uint64 `json:"inbound_total"`
	Rejected     uint64 `json:"rejected"`
	Lost         uint64 `json:"lost"`
	Outbound     uint64 `json:"outbound_connected"`
	Inbound      uint64 `json:"inbound_connected"`
}

type GossipMetrics struct {
	Published  uint64 `json:"published"`
	Delivered  uint64 `json:"delivered"`
	Relayed    uint64 `json:"relayed"`
	Duplicates uint64 `json:"duplicates"`
	Violations uint64 `json:"violations"`
	SendDrops  uint64 `json:"send_drops"`
}

// Metrics is safe for concurrent use.
type Metrics struct {
	announceSent   atomic.Uint64
	announceFailed atomic.Uint64
	announceRecv   atomic.Uint64
	peerTableSize  atomic.Uint64

	dialAttempts atomic.Uint64
	dialSuccess  atomic.Uint64
	dialFail     atomic.Uint64
	deferred     atomic.Uint64
	inboundTotal atomic.Uint64
	rejected     atomic.Uint64
	lost         atomic.Uint64
	outbound     atomic.Uint64
	inbound      atomic.Uint64

	published  atomic.Uint64
	delivered  atomic.Uint64
	relayed    atomic.Uint64
	duplicates atomic.Uint64
	violations atomic.Uint64
	sendDrops  atomic.Uint64

	dropMu       sync.Mutex
	dropByReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{dropByReason: make(map[string]uint64)}
}

func (m *Metrics) IncAnnounceSent()        { m.announceSent.Add(1) }
func (m *Metrics) IncAnnounceFailed()      { m.announceFailed.Add(1) }
func (m *Metrics) IncAnnounceRecv()        { m.announceRecv.Add(1) }
func (m *Metrics) SetPeerTableSize(n int)  { m.peerTableSize.Store(uint64(n)) }
func (m *Metrics) IncDialAttempts()        { m.dialAttempts.Add(1) }
func (m *Metrics) IncDialSuccess()         { m.dialSuccess.Add(1) }
func (m *Metrics) IncDialFail()            { m.dialFail.Add(1) }
func (m *Metrics) IncDeferred()            { m.deferred.Add(1) }
func (m *Metrics) IncInboundTotal()        { m.inboundTotal.Add(1) }
func (m *Metrics) IncRejected()            { m.rejected.Add(1) }
func (m *Metrics) IncLost()                { m.lost.Add(1) }
func (m *Metrics) SetConnected(out, in int) {
	m.outbound.Store(uint64(out))
	m.inbound.Store(uint64(in))
}
func (m *Metrics) IncPublished()  { m.published.Add(1) }
func (m *Metrics) IncDelivered()  { m.delivered.Add(1) }
func (m *Metrics) IncRelayed()    { m.relayed.Add(1) }
func (m *Metrics) IncDuplicates() { m.duplicates.Add(1) }
func (m *Metrics) IncViolations() { m.violations.Add(1) }
func (m *Metrics) IncSendDrops()  { m.sendDrops.Add(1) }

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			AnnounceSent:   m.announceSent.Load(),
			AnnounceFailed: m.announceFailed.Load(),
			AnnounceRecv:   m.announceRecv.Load(),
			PeerTableSize:  m.peerTableSize.Load(),
		},
		Conn: ConnMetrics{
			DialAttempts: m.dialAttempts.Load(),
			DialSuccess:  m.dialSuccess.Load(),
			DialFail:     m.dialFail.Load(),
			Deferred:     m.deferred.Load(),
			InboundTotal: m.inboundTotal.Load(),
			Rejected:     m.rejected.Load(),
			Lost:         m.lost.Load(),
			Outbound:     m.outbound.Load(),
			Inbound:      m.inbound.Load(),
		},
		Gossip: GossipMetrics{
			Published:  m.published.Load(),
			Delivered:  m.delivered.Load(),
			Relayed:    m.relayed.Load(),
			Duplicates: m.duplicates.Load(),
			Violations: m.violations.Load(),
			SendDrops:  m.sendDrops.Load(),
		},
		DropByReason: drops,
	}
}

// WriteSnapshot writes the snapshot as indented JSON. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path, nodeID string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	snap.NodeID = nodeID
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
