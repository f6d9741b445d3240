package network

import (
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"opengrid/internal/logging"
	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const (
	DefaultSendQueue = 256
	flushTimeout     = 250 * time.Millisecond

	codeClosing       quic.ApplicationErrorCode = 0
	codeWriteFailed   quic.ApplicationErrorCode = 1
	codeRejected      quic.ApplicationErrorCode = 2
	codeHandshakeFail quic.ApplicationErrorCode = 3
)

// Conn is one authenticated QUIC connection carrying a single bidirectional
// stream of length-prefixed frames. Writes go through a bounded queue drained
// by a dedicated goroutine.
type Conn struct {
	qc         *quic.Conn
	stream     *quic.Stream
	remote     node.NodeID
	remoteAddr string
	log        *zap.Logger

	sendq      chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
	release    func()
}

func newConn(qc *quic.Conn, stream *quic.Stream, remote node.NodeID, queue int, release func(), log *zap.Logger) *Conn {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	c := &Conn{
		qc:         qc,
		stream:     stream,
		remote:     remote,
		remoteAddr: qc.RemoteAddr().String(),
		log:        log.With(logging.Node("peer", remote)),
		sendq:      make(chan []byte, queue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		release:    release,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) RemoteID() node.NodeID { return c.remote }

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send queues frame and returns false when the queue is full or the
// connection is closing. It never blocks.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendq <- frame:
		return true
	default:
		return false
	}
}

// ReadFrame blocks for the next frame. Only one goroutine may read.
func (c *Conn) ReadFrame() ([]byte, error) {
	return proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

// Close flushes queued frames for a short while and tears the connection
// down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.writerDone
		_ = c.stream.Close()
		c.closeErr = c.qc.CloseWithError(codeClosing, "closing")
		if c.release != nil {
			c.release()
		}
	})
	return c.closeErr
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.sendq:
			if err := proto.WriteFrame(c.stream, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				_ = c.qc.CloseWithError(codeWriteFailed, "write failed")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	_ = c.stream.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case frame := <-c.sendq:
			if err := proto.WriteFrame(c.stream, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
