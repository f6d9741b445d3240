package gossip

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"opengrid/internal/logging"
	"opengrid/internal/metrics"
	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const (
	DefaultMaxHops   = 16
	DefaultRateLimit = 200
	DefaultRateBurst = 400
)

// ErrRateLimited is returned when a neighbour exceeds its inbound budget.
// The frame is dropped; the link stays up.
var ErrRateLimited = errors.New("peer rate limited")

// Links is the outbound side the overlay floods through.
type Links interface {
	// Send queues frame for peer id without blocking and reports whether it
	// was accepted.
	Send(id node.NodeID, frame []byte) bool
}

// Delivery is a message handed to the local collaborator.
type Delivery struct {
	ID         proto.MessageID
	Topic      string
	Payload    []byte
	Origin     node.NodeID
	ReceivedAt time.Time
}

type Config struct {
	SeenCapacity int
	MaxPayload   int
	MaxHops      int
	RateLimit    float64
	RateBurst    int
	Topics       []string
}

type peerState struct {
	subs    map[string]struct{}
	digest  uint64
	known   bool
	limiter *rate.Limiter
}

// Overlay implements topic flooding with duplicate suppression. It is driven
// by a single goroutine and does no locking.
type Overlay struct {
	self    *node.Identity
	cfg     Config
	links   Links
	deliver func(Delivery)
	log     *zap.Logger
	metrics *metrics.Metrics
	logLim  *logging.Limiter

	seq   uint64
	seen  *SeenCache
	local map[string]struct{}
	peers map[node.NodeID]*peerState
}

func New(self *node.Identity, cfg Config, links Links, deliver func(Delivery), log *zap.Logger, m *metrics.Metrics) *Overlay {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = proto.DefaultMaxPayload
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if deliver == nil {
		deliver = func(Delivery) {}
	}
	o := &Overlay{
		self:    self,
		cfg:     cfg,
		links:   links,
		deliver: deliver,
		log:     log,
		metrics: m,
		logLim:  logging.NewLimiter(10 * time.Second),
		seen:    NewSeenCache(cfg.SeenCapacity),
		local:   make(map[string]struct{}),
		peers:   make(map[node.NodeID]*peerState),
	}
	for _, t := range cfg.Topics {
		if proto.ValidateTopic(t) == nil {
			o.local[t] = struct{}{}
		}
	}
	return o
}

// Topics returns the local subscription set, sorted.
func (o *Overlay) Topics() []string {
	out := make([]string, 0, len(o.local))
	for t := range o.local {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (o *Overlay) Seen() *SeenCache { return o.seen }

// Subscribe adds topic to the local set and advertises the new set.
func (o *Overlay) Subscribe(topic string) error {
	if err := proto.ValidateTopic(topic); err != nil {
		return err
	}
	if _, ok := o.local[topic]; ok {
		return nil
	}
	if len(o.local) >= proto.MaxTopicsPerPeer {
		return fmt.Errorf("subscribe %s: already at %d topics", topic, proto.MaxTopicsPerPeer)
	}
	o.local[topic] = struct{}{}
	o.broadcastSubs()
	return nil
}

func (o *Overlay) Unsubscribe(topic string) error {
	if _, ok := o.local[topic]; !ok {
		return nil
	}
	delete(o.local, topic)
	o.broadcastSubs()
	return nil
}

func (o *Overlay) OnPeerConnected(id node.NodeID) {
	o.peers[id] = &peerState{
		subs:    make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(o.cfg.RateLimit), o.cfg.RateBurst),
	}
	if frame, err := o.subsFrame(); err == nil {
		o.send(id, frame)
	}
}

func (o *Overlay) OnPeerDisconnected(id node.NodeID) {
	delete(o.peers, id)
}

// Publish originates a message on topic. Its ID is recorded before any
// neighbour can echo it back.
func (o *Overlay) Publish(topic string, payload []byte, now time.Time) (proto.MessageID, error) {
	if err := proto.ValidateTopic(topic); err != nil {
		return proto.MessageID{}, err
	}
	if len(payload) > o.cfg.MaxPayload {
		return proto.MessageID{}, fmt.Errorf("%w: payload of %d bytes, max %d", proto.ErrOversize, len(payload), o.cfg.MaxPayload)
	}
	o.seq++
	env, err := proto.NewEnvelope(o.self, o.seq, topic, payload, o.cfg.MaxHops)
	if err != nil {
		return proto.MessageID{}, err
	}
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return proto.MessageID{}, err
	}
	id := proto.NewMessageID(o.self.ID, o.seq)
	o.seen.Add(id, now)
	o.metrics.IncPublished()
	sent := o.flood(frame)
	o.log.Debug("published",
		zap.String("msg_id", id.Short()),
		zap.String("topic", topic),
		zap.Int("bytes", len(payload)),
		zap.Int("peers", sent))
	return id, nil
}

// HandleFrame dispatches a frame received from a connected neighbour.
// Errors wrapping proto.ErrProtocolViolation mean the link should be dropped.
func (o *Overlay) HandleFrame(from node.NodeID, data []byte, now time.Time) error {
	typ, err := proto.PeekType(data)
	if err != nil {
		return err
	}
	switch typ {
	case proto.MsgTypeSubs:
		return o.handleSubs(from, data)
	case proto.MsgTypeGossip:
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			return err
		}
		return o.OnMessageReceived(from, env, now)
	case proto.MsgTypeHello:
		return fmt.Errorf("%w: hello after handshake", proto.ErrProtocolViolation)
	default:
		if o.logLim.Allow("type:" + typ) {
			o.log.Debug("ignoring unknown frame type", zap.String("type", typ), logging.Node("peer", from))
		}
		return nil
	}
}

// OnMessageReceived applies the seen-check, insert, deliver and forward steps
// for one envelope.
func (o *Overlay) OnMessageReceived(from node.NodeID, env proto.Envelope, now time.Time) error {
	if ps, ok := o.peers[from]; ok && !ps.limiter.AllowN(now, 1) {
		o.metrics.IncDropByReason("rate")
		return ErrRateLimited
	}
	if len(env.Payload) > o.cfg.MaxPayload {
		o.metrics.IncDropByReason("oversize")
		return fmt.Errorf("%w: payload of %d bytes from %s", proto.ErrOversize, len(env.Payload), from.Short())
	}
	if id, err := proto.ParseMessageID(env.ID); err == nil && o.seen.Seen(id) {
		o.metrics.IncDuplicates()
		return nil
	}
	msg, err := env.Verify()
	if err != nil {
		o.metrics.IncViolations()
		return err
	}
	if !o.seen.Add(msg.ID, now) {
		o.metrics.IncDuplicates()
		return nil
	}
	if msg.Origin == o.self.ID {
		return nil
	}
	if _, ok := o.local[msg.Topic]; ok {
		o.metrics.IncDelivered()
		o.deliver(Delivery{
			ID:         msg.ID,
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			Origin:     msg.Origin,
			ReceivedAt: now,
		})
	}
	if env.Hops <= 1 {
		return nil
	}
	env.Hops--
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if n := o.flood(frame, from, msg.Origin); n > 0 {
		o.metrics.IncRelayed()
	}
	return nil
}

func (o *Overlay) handleSubs(from node.NodeID, data []byte) error {
	m, err := proto.DecodeSubs(data)
	if err != nil {
		return err
	}
	ps, ok := o.peers[from]
	if !ok {
		return nil
	}
	if ps.known && ps.digest == m.Digest {
		return nil
	}
	ps.subs = make(map[string]struct{}, len(m.Topics))
	for _, t := range m.Topics {
		ps.subs[t] = struct{}{}
	}
	ps.digest = m.Digest
	ps.known = true
	o.log.Debug("peer subscriptions", logging.Node("peer", from), zap.Strings("topics", m.Topics))
	return nil
}

// PeerTopics returns what a neighbour advertised, and false before its first
// subscription frame arrives.
func (o *Overlay) PeerTopics(id node.NodeID) ([]string, bool) {
	ps, ok := o.peers[id]
	if !ok || !ps.known {
		return nil, false
	}
	out := make([]string, 0, len(ps.subs))
	for t := range ps.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, true
}

// flood sends frame to every connected neighbour outside exclude. Interest
// is not checked: a neighbour without the topic may still be the only path to
// a subscriber, so subscriptions gate local delivery only.
func (o *Overlay) flood(frame []byte, exclude ...node.NodeID) int {
	sent := 0
	for id := range o.peers {
		if excluded(id, exclude) {
			continue
		}
		if o.send(id, frame) {
			sent++
		}
	}
	return sent
}

func (o *Overlay) send(id node.NodeID, frame []byte) bool {
	if o.links == nil {
		return false
	}
	if o.links.Send(id, frame) {
		return true
	}
	o.metrics.IncSendDrops()
	if o.logLim.Allow("send:" + id.String()) {
		o.log.Warn("send queue full, frame dropped", logging.Node("peer", id))
	}
	return false
}

func (o *Overlay) broadcastSubs() {
	frame, err := o.subsFrame()
	if err != nil {
		o.log.Error("encode subscriptions", zap.Error(err))
		return
	}
	for id := range o.peers {
		o.send(id, frame)
	}
}

func (o *Overlay) subsFrame() ([]byte, error) {
	return proto.EncodeSubs(proto.NewSubsMsg(o.Topics()))
}

func excluded(id node.NodeID, list []node.NodeID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
