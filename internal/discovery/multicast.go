package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"opengrid/internal/logging"
	"opengrid/internal/metrics"
	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const DefaultGroup = "239.255.77.77:7946"

type MulticastOptions struct {
	Group      string
	Interval   time.Duration
	NetworkKey string
	// Interface selects the multicast interface; nil lets the system choose.
	Interface *net.Interface
	// Now stamps received announcements. Defaults to time.Now.
	Now func() time.Time
}

// Multicast announces this node to an IPv4 multicast group and listens for
// the announcements of others on the same link.
type Multicast struct {
	codec    *codec
	group    *net.UDPAddr
	interval time.Duration
	now      func() time.Time
	recv     *net.UDPConn
	send     *net.UDPConn
	log      *zap.Logger
	metrics  *metrics.Metrics
	logLim   *logging.Limiter

	closeOnce sync.Once
}

// NewMulticast joins the group and prepares the sending socket. Announced
// datagrams carry addrs, our dialable endpoints.
func NewMulticast(self node.NodeID, addrs []string, opts MulticastOptions, log *zap.Logger, m *metrics.Metrics) (*Multicast, error) {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	group, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("multicast group %s: %w", opts.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("multicast group %s: not a multicast address", opts.Group)
	}
	recv, err := net.ListenMulticastUDP("udp4", opts.Interface, group)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", opts.Group, err)
	}
	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		_ = recv.Close()
		return nil, fmt.Errorf("multicast send socket: %w", err)
	}
	pc := ipv4.NewPacketConn(send)
	if err := pc.SetMulticastTTL(1); err != nil {
		log.Warn("set multicast ttl", zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Warn("set multicast loopback", zap.Error(err))
	}
	if opts.Interface != nil {
		if err := pc.SetMulticastInterface(opts.Interface); err != nil {
			log.Warn("set multicast interface", zap.String("iface", opts.Interface.Name), zap.Error(err))
		}
	}
	return &Multicast{
		codec:    newCodec(self, addrs, opts.NetworkKey),
		group:    group,
		interval: opts.Interval,
		now:      opts.Now,
		recv:     recv,
		send:     send,
		log:      log,
		metrics:  m,
		logLim:   logging.NewLimiter(time.Minute),
	}, nil
}

// Announce sends one announcement to the group.
func (d *Multicast) Announce() error {
	data, err := d.codec.encode()
	if err != nil {
		return err
	}
	if _, err := d.send.WriteToUDP(data, d.group); err != nil {
		return fmt.Errorf("announce to %s: %w", d.group, err)
	}
	return nil
}

// Run announces every interval and forwards observations to out until ctx is
// cancelled. Both sockets are closed when it returns.
func (d *Multicast) Run(ctx context.Context, out chan<- Observation) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.readLoop(ctx, out)
	}()
	stop := context.AfterFunc(ctx, d.Close)
	defer stop()

	d.announce()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Close()
			wg.Wait()
			return nil
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *Multicast) announce() {
	if err := d.Announce(); err != nil {
		d.metrics.IncAnnounceFailed()
		if d.logLim.Allow("announce") {
			d.log.Warn("announce failed, retrying next interval", zap.Error(err))
		}
		return
	}
	d.metrics.IncAnnounceSent()
}

func (d *Multicast) readLoop(ctx context.Context, out chan<- Observation) {
	buf := make([]byte, proto.MaxAnnouncementSize+1)
	for {
		n, src, err := d.recv.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if d.logLim.Allow("read") {
				d.log.Warn("multicast read", zap.Error(err))
			}
			continue
		}
		obs, err := d.codec.decode(buf[:n], src, d.now())
		if err != nil {
			d.reject(src, err)
			continue
		}
		d.metrics.IncAnnounceRecv()
		for _, o := range obs {
			if !emit(ctx, out, o) {
				return
			}
		}
	}
}

func (d *Multicast) reject(src *net.UDPAddr, err error) {
	switch {
	case errors.Is(err, errSelf):
	case errors.Is(err, proto.ErrUnknownVersion):
		d.log.Debug("ignoring announcement with unknown version", zap.Stringer("src", src), zap.Error(err))
	case errors.Is(err, errSealing):
		d.metrics.IncDropByReason("sealing")
		if d.logLim.Allow("sealing:" + src.IP.String()) {
			d.log.Debug("ignoring announcement from another grid", zap.Stringer("src", src))
		}
	default:
		d.metrics.IncDropByReason("announce")
		if d.logLim.Allow("malformed:" + src.IP.String()) {
			d.log.Warn("malformed announcement", zap.Stringer("src", src), zap.Error(err))
		}
	}
}

// Close leaves the group. Run calls it on cancellation.
func (d *Multicast) Close() {
	d.closeOnce.Do(func() {
		_ = d.recv.Close()
		_ = d.send.Close()
	})
}
