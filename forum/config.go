package forum

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the client endpoints and local paths.
type Config struct {
	APIURL      string
	ChannelURL  string
	DataPath    string
	Thread      ThreadID
	DialTimeout time.Duration
	HTTPTimeout time.Duration
}

// DefaultConfig targets a backend on localhost:8000.
func DefaultConfig() Config {
	dataPath := ".forum-chat"
	if dir, err := os.UserConfigDir(); err == nil {
		dataPath = filepath.Join(dir, "forum-chat")
	}
	return Config{
		APIURL:      "http://localhost:8000",
		ChannelURL:  "ws://localhost:8000/ws/chat",
		DataPath:    dataPath,
		Thread:      MainThreadID,
		DialTimeout: 10 * time.Second,
		HTTPTimeout: 15 * time.Second,
	}
}

// ApplyEnv overrides fields from FORUM_API_URL, FORUM_WS_URL,
// FORUM_DATA_PATH and FORUM_THREAD when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FORUM_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("FORUM_WS_URL"); v != "" {
		c.ChannelURL = v
	}
	if v := os.Getenv("FORUM_DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if v := os.Getenv("FORUM_THREAD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Thread = ThreadID(n)
		}
	}
}

func (c Config) Validate() error {
	api, err := url.Parse(c.APIURL)
	if err != nil || (api.Scheme != "http" && api.Scheme != "https") || api.Host == "" {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}
	ws, err := url.Parse(c.ChannelURL)
	if err != nil || (ws.Scheme != "ws" && ws.Scheme != "wss") || ws.Host == "" {
		return fmt.Errorf("invalid channel url %q", c.ChannelURL)
	}
	if c.Thread <= 0 {
		return fmt.Errorf("invalid thread id %d", c.Thread)
	}
	if c.DialTimeout <= 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// NewSessionFromConfig wires the HTTP resolver, the websocket channel and a
// Session for cfg.
func NewSessionFromConfig(cfg Config, creds CredentialStore, logger zerolog.Logger, opts ...SessionOption) *Session {
	api := NewAuthAPI(cfg.APIURL, cfg.HTTPTimeout)
	channel := NewChannelManager(cfg.ChannelURL, WebsocketDialer{}, logger.With().Str("component", "channel").Logger())
	base := []SessionOption{
		WithLogger(logger.With().Str("component", "session").Logger()),
		WithThread(cfg.Thread),
		WithDialTimeout(cfg.DialTimeout),
	}
	return NewSession(creds, api, channel, append(base, opts...)...)
}
