package forum

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory Conn. Frames queued on in are returned by
// ReadMessage; closing in makes ReadMessage fail with closeErr.
type fakeConn struct {
	in       chan []byte
	closeErr error

	mu     sync.Mutex
	writes []string
	kinds  []int

	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 32),
		closeErr: &websocket.CloseError{Code: websocket.CloseAbnormalClosure},
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errConnClosed
	case b, ok := <-c.in:
		if !ok {
			return 0, nil, c.closeErr
		}
		return websocket.TextMessage, b, nil
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// texts returns the text frames written so far.
func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for i, k := range c.kinds {
		if k == websocket.TextMessage {
			out = append(out, c.writes[i])
		}
	}
	return out
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

// fakeDialer hands out its conns in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials atomic.Int32
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no conn available")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type stubResolver struct {
	user  User
	err   error
	calls atomic.Int32
	token atomic.Value
}

func (r *stubResolver) Resolve(ctx context.Context, token string) (User, error) {
	r.calls.Add(1)
	r.token.Store(token)
	return r.user, r.err
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get() (Credential, bool, error) { return Credential{}, false, errors.New("disk gone") }
func (failingStore) Set(Credential) error           { return errors.New("disk gone") }
func (failingStore) Clear() error                   { return errors.New("disk gone") }

// viewLog records every published view.
type viewLog struct {
	mu    sync.Mutex
	views []View
}

func (l *viewLog) observe(v View) {
	l.mu.Lock()
	l.views = append(l.views, v)
	l.mu.Unlock()
}

func (l *viewLog) all() []View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]View(nil), l.views...)
}

// blockingDialer holds every dial until release is closed.
type blockingDialer struct {
	conn    *fakeConn
	entered chan struct{}
	release chan struct{}
}

func newBlockingDialer(conn *fakeConn) *blockingDialer {
	return &blockingDialer{conn: conn, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (d *blockingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.conn, nil
}
