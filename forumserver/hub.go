package forumserver

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/forum-chat/forum"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxHistory     = 200
)

const helpText = "Available commands:\n/history [number] - Get recent messages (default 50, max 200)\n/help - Show this help message"

// messagePolicy keeps safe formatting in stored messages.
var messagePolicy = bluemonday.UGCPolicy()

// record is one persisted chat message.
type record struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (r record) wire() forum.WireMessage {
	return forum.WireMessage{Username: r.Username, Message: r.Message, Timestamp: r.Timestamp.Format(time.RFC3339Nano)}
}

// hub keeps connected chat clients and the in-memory backlog.
type hub struct {
	mu           sync.RWMutex
	messages     []record
	conns        map[*client]struct{}
	wg           sync.WaitGroup
	store        *store
	historyLimit int
}

func newHub(st *store, historyLimit int) (*hub, error) {
	h := &hub{
		conns:        map[*client]struct{}{},
		messages:     make([]record, 0, 64),
		store:        st,
		historyLimit: historyLimit,
	}
	// Only the most recent messages are kept in memory.
	msgs, err := st.loadRecent(maxHistory)
	if err != nil {
		return nil, err
	}
	h.messages = append(h.messages, msgs...)
	return h, nil
}

func (h *hub) attach(c *client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) detach(c *client) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *hub) recent(limit int) []forum.WireMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if limit > 0 && len(h.messages) > limit {
		start = len(h.messages) - limit
	}
	out := make([]forum.WireMessage, 0, len(h.messages)-start)
	for _, m := range h.messages[start:] {
		out = append(out, m.wire())
	}
	return out
}

func (h *hub) post(username, text string) {
	m := record{Username: username, Message: messagePolicy.Sanitize(text), Timestamp: time.Now().UTC()}
	if m.Message == "" {
		return
	}
	h.mu.Lock()
	h.messages = append(h.messages, m)
	if len(h.messages) > maxHistory {
		h.messages = append(h.messages[:0:0], h.messages[len(h.messages)-maxHistory:]...)
	}
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	if err := h.store.appendMessage(m); err != nil {
		log.Debug().Err(err).Msg("[forum] persist message")
	}
	w := m.wire()
	ev := forum.Frame{Type: forum.FrameMessage, Username: w.Username, Message: w.Message, Timestamp: w.Timestamp}
	for _, c := range conns {
		c.push(ev)
	}
}

// closeAll force-closes all active websocket connections (used during shutdown).
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(writeWait))
		c.close()
	}
}

// wait blocks until all websocket handler goroutines have finished.
func (h *hub) wait() {
	h.wg.Wait()
}

// client is one authenticated websocket participant.
type client struct {
	name   string
	conn   *websocket.Conn
	hub    *hub
	send   chan forum.Frame
	mu     sync.Mutex
	closed atomic.Bool
}

func newClient(name string, conn *websocket.Conn, h *hub) *client {
	return &client{name: name, conn: conn, hub: h, send: make(chan forum.Frame, sendBufferSize)}
}

func (c *client) run() {
	c.hub.attach(c)
	c.hub.wg.Add(2)
	go func() {
		defer c.hub.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer c.hub.wg.Done()
		c.readLoop()
	}()
}

func (c *client) readLoop() {
	defer c.close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("user", c.name).Msg("[forum] read message")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		text := strings.TrimSpace(string(payload))
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") && c.command(text) {
			continue
		}
		c.hub.post(c.name, text)
	}
}

// command handles slash commands and reports whether text was one.
func (c *client) command(text string) bool {
	parts := strings.Fields(text)
	switch strings.ToLower(parts[0]) {
	case "/history":
		limit := c.hub.historyLimit
		if len(parts) > 1 {
			if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
				limit = min(n, maxHistory)
			}
		}
		c.push(forum.Frame{Type: forum.FrameHistory, Messages: c.hub.recent(limit)})
		return true
	case "/help":
		c.pushSystem(helpText)
		return true
	}
	return false
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("user", c.name).Msg("[forum] write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) push(ev forum.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- ev:
	default:
		// drop oldest to avoid blocking
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (c *client) pushSystem(body string) {
	c.push(forum.Frame{Type: forum.FrameSystem, Message: body})
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return
	}
	close(c.send)
	c.mu.Unlock()
	c.hub.detach(c)
	_ = c.conn.Close()
}
