package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"opengrid/internal/logging"
	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	DefaultMaxConnsPerIP    = 4
)

type Options struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SendQueue        int
	MaxConnsPerIP    int
}

// Transport owns one UDP socket used both to accept and to dial, so remote
// peers see the listening address as the source of outbound connections.
type Transport struct {
	self    *node.Identity
	opts    Options
	log     *zap.Logger
	cert    tls.Certificate
	udp     *net.UDPConn
	tr      *quic.Transport
	ln      *quic.Listener
	limiter *ipLimiter
}

// Listen binds addr and starts accepting QUIC connections.
func Listen(self *node.Identity, addr string, opts Options, log *zap.Logger) (*Transport, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	cert, err := self.Certificate()
	if err != nil {
		return nil, fmt.Errorf("listen certificate: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	t := &Transport{
		self:    self,
		opts:    opts,
		log:     log,
		cert:    cert,
		udp:     udp,
		tr:      &quic.Transport{Conn: udp},
		limiter: newIPLimiter(opts.MaxConnsPerIP),
	}
	t.ln, err = t.tr.Listen(serverTLSConfig(cert), t.quicConfig())
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Info("quic listen ready", zap.String("addr", udp.LocalAddr().String()))
	return t, nil
}

func (t *Transport) Addr() *net.UDPAddr {
	return t.udp.LocalAddr().(*net.UDPAddr)
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.opts.HandshakeTimeout,
		MaxIdleTimeout:       t.opts.IdleTimeout,
		KeepAlivePeriod:      t.opts.IdleTimeout / 3,
		MaxIncomingStreams:   1,
	}
}

// Serve accepts connections until ctx ends or the listener is closed. Each
// connection that completes the hello exchange is sent to out.
func (t *Transport) Serve(ctx context.Context, out chan<- *Conn) error {
	lim := logging.NewLimiter(30 * time.Second)
	for {
		qc, err := t.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, quic.ErrTransportClosed) {
				return nil
			}
			return transient("accept", err)
		}
		ip := remoteIP(qc.RemoteAddr())
		if !t.limiter.acquire(ip) {
			if lim.Allow("ip:" + ip) {
				t.log.Warn("too many connections from ip", zap.String("ip", ip))
			}
			_ = qc.CloseWithError(codeRejected, "too many connections")
			continue
		}
		go func() {
			c, err := t.acceptHandshake(ctx, qc, func() { t.limiter.release(ip) })
			if err != nil {
				t.limiter.release(ip)
				if lim.Allow("handshake:" + ip) {
					t.log.Info("inbound handshake failed", zap.String("remote", qc.RemoteAddr().String()), zap.Error(err))
				}
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				_ = c.Close()
			}
		}()
	}
}

func (t *Transport) acceptHandshake(ctx context.Context, qc *quic.Conn, release func()) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	fail := func(err error) (*Conn, error) {
		_ = qc.CloseWithError(codeHandshakeFail, "handshake failed")
		return nil, err
	}
	remote, err := peerNodeID(qc.ConnectionState().TLS)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", proto.ErrProtocolViolation, err))
	}
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		return fail(transient("accept stream", err))
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if err := readHello(stream, remote); err != nil {
		return fail(err)
	}
	if err := writeHello(stream, t.self.ID); err != nil {
		return fail(transient("hello", err))
	}
	_ = stream.SetDeadline(time.Time{})
	return newConn(qc, stream, remote, t.opts.SendQueue, release, t.log), nil
}

// Dial connects to addr and fails unless the remote proves it is want.
func (t *Transport) Dial(ctx context.Context, addr string, want node.NodeID) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	qc, err := t.tr.Dial(ctx, udpAddr, clientTLSConfig(t.cert, want), t.quicConfig())
	if err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			return nil, err
		}
		return nil, transient("dial "+addr, err)
	}
	hctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	stream, err := qc.OpenStreamSync(hctx)
	if err != nil {
		_ = qc.CloseWithError(codeHandshakeFail, "open stream")
		return nil, transient("open stream", err)
	}
	if dl, ok := hctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if err := writeHello(stream, t.self.ID); err != nil {
		_ = qc.CloseWithError(codeHandshakeFail, "hello")
		return nil, transient("hello", err)
	}
	if err := readHello(stream, want); err != nil {
		_ = qc.CloseWithError(codeHandshakeFail, "hello")
		return nil, err
	}
	_ = stream.SetDeadline(time.Time{})
	return newConn(qc, stream, want, t.opts.SendQueue, nil, t.log), nil
}

// Close stops accepting and releases the socket. Connections already handed
// out must be closed by their owner first.
func (t *Transport) Close() error {
	_ = t.ln.Close()
	err := t.tr.Close()
	if cerr := t.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

func writeHello(stream *quic.Stream, self node.NodeID) error {
	hello, err := proto.EncodeHello(self)
	if err != nil {
		return err
	}
	return proto.WriteFrame(stream, hello)
}

func readHello(stream *quic.Stream, want node.NodeID) error {
	data, err := proto.ReadFrameWithTypeCap(stream, proto.MaxHelloSize, proto.MaxSizeForType)
	if err != nil {
		if errors.Is(err, proto.ErrProtocolViolation) || errors.Is(err, proto.ErrOversize) {
			return err
		}
		return transient("hello", err)
	}
	got, err := proto.DecodeHello(data)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: hello names %s, certificate %s", ErrIdentityMismatch, got.Short(), want.Short())
	}
	return nil
}

func remoteIP(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
