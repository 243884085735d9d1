package forum

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrameSize = 1 << 20

// Conn is the subset of *websocket.Conn the channel needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the transport connection for a channel.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket. The transport handshake
// carries no credential.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// channelEvents receives the inbound side of a channel. Both methods are
// called from the channel's read loop, one at a time, in transport order.
type channelEvents interface {
	handleFrame(gen uint64, f Frame)
	handleClosed(gen uint64, err *ChannelError)
}

// ChannelManager owns at most one live channel. Every Open yields a new
// generation; Close retires it so that frames still in flight for a retired
// generation are never dispatched.
type ChannelManager struct {
	url    string
	dialer Dialer
	log    zerolog.Logger

	mu     sync.Mutex
	conn   Conn
	gen    uint64
	thread ThreadID

	wg sync.WaitGroup
}

func NewChannelManager(url string, dialer Dialer, logger zerolog.Logger) *ChannelManager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &ChannelManager{url: url, dialer: dialer, log: logger}
}

// Open connects, authenticates by sending the raw token as the first frame
// and starts dispatching inbound frames to events. Any previous channel is
// closed first.
func (c *ChannelManager) Open(ctx context.Context, token string, thread ThreadID, events channelEvents) (uint64, error) {
	c.Close()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return 0, fmt.Errorf("dial channel: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		_ = conn.Close()
		return 0, fmt.Errorf("send channel handshake: %w", err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.thread = thread
	c.mu.Unlock()

	c.log.Info().Uint64("gen", gen).Str("thread", thread.String()).Msg("[channel] connected")
	c.wg.Add(1)
	go c.readLoop(conn, gen, events)
	return gen, nil
}

func (c *ChannelManager) readLoop(conn Conn, gen uint64, events channelEvents) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			kind := UnexpectedClose
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				kind = HandshakeRejected
			}
			if c.retire(gen) {
				cerr := &ChannelError{Kind: kind, Err: err}
				c.log.Warn().Err(err).Uint64("gen", gen).Str("kind", kind.String()).Msg("[channel] closed by peer")
				_ = conn.Close()
				events.handleClosed(gen, cerr)
			}
			return
		}
		if !c.IsCurrent(gen) {
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Int("size", len(data)).Msg("[channel] dropping frame")
			continue
		}
		events.handleFrame(gen, f)
	}
}

// retire closes out gen if it is still the live generation and reports
// whether it was.
func (c *ChannelManager) retire(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.gen != gen {
		return false
	}
	c.conn = nil
	c.gen++
	return true
}

// Send transmits the trimmed text as one message frame. It is a no-op
// returning false when the channel is not open or the text is blank.
func (c *ChannelManager) Send(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.log.Warn().Err(err).Msg("[channel] send failed")
		return false
	}
	return true
}

// Close tears down the live channel, if any. Safe to call repeatedly.
func (c *ChannelManager) Close() {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.conn = nil
		c.gen++
	}
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	c.log.Info().Msg("[channel] closed")
}

// IsOpen reports whether a channel is live.
func (c *ChannelManager) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// IsCurrent reports whether gen is the live generation.
func (c *ChannelManager) IsCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.gen == gen
}

// Thread returns the thread the live channel was opened for.
func (c *ChannelManager) Thread() ThreadID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// Wait blocks until every read loop has exited.
func (c *ChannelManager) Wait() { c.wg.Wait() }
