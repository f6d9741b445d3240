package daemon

import (
	"context"
	"errors"
	"io"
	"sync"

	"opengrid/internal/connman"
	"opengrid/internal/node"
)

// memNet connects in-memory transports by address.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*memTransport
}

func newMemNet() *memNet {
	return &memNet{nodes: make(map[string]*memTransport)}
}

func (n *memNet) transport(id node.NodeID, addr string) *memTransport {
	t := &memTransport{net: n, id: id, addr: addr, accept: make(chan connman.Link, 16), closed: make(chan struct{})}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

func (n *memNet) lookup(addr string) (*memTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[addr]
	return t, ok
}

type memTransport struct {
	net    *memNet
	id     node.NodeID
	addr   string
	accept chan connman.Link
	once   sync.Once
	closed chan struct{}
}

func (t *memTransport) Serve(ctx context.Context, out chan<- connman.Link) error {
	for {
		select {
		case l := <-t.accept:
			select {
			case out <- l:
			case <-ctx.Done():
				_ = l.Close()
				return nil
			}
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		}
	}
}

func (t *memTransport) Dial(ctx context.Context, addr string, want node.NodeID) (connman.Link, error) {
	remote, ok := t.net.lookup(addr)
	if !ok {
		return nil, errors.New("connection refused")
	}
	if remote.id != want {
		return nil, errors.New("identity mismatch")
	}
	local, far := memPipe(t, remote)
	select {
	case remote.accept <- far:
		return local, nil
	case <-remote.closed:
		return nil, errors.New("connection refused")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) LocalAddr() string { return t.addr }

func (t *memTransport) Close() error {
	t.once.Do(func() {
		t.net.mu.Lock()
		delete(t.net.nodes, t.addr)
		t.net.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// memLink is one end of a pipe. Both ends share the closed channel, so
// closing either side ends the link for both after queued frames are read.
type memLink struct {
	remoteID   node.NodeID
	remoteAddr string
	inbox      chan []byte
	peer       *memLink
	once       *sync.Once
	closed     chan struct{}
}

func memPipe(dialer, acceptor *memTransport) (*memLink, *memLink) {
	once := new(sync.Once)
	closed := make(chan struct{})
	a := &memLink{remoteID: acceptor.id, remoteAddr: acceptor.addr, inbox: make(chan []byte, 256), once: once, closed: closed}
	b := &memLink{remoteID: dialer.id, remoteAddr: dialer.addr, inbox: make(chan []byte, 256), once: once, closed: closed}
	a.peer, b.peer = b, a
	return a, b
}

func (l *memLink) RemoteID() node.NodeID { return l.remoteID }
func (l *memLink) RemoteAddr() string    { return l.remoteAddr }

func (l *memLink) Send(frame []byte) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.peer.inbox <- append([]byte(nil), frame...):
		return true
	default:
		return false
	}
}

func (l *memLink) ReadFrame() ([]byte, error) {
	select {
	case f := <-l.inbox:
		return f, nil
	case <-l.closed:
		select {
		case f := <-l.inbox:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
