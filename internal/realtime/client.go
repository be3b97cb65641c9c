// Package realtime keeps a websocket session to the backend's realtime
// endpoint. The session doubles as the host connectivity signal: an open
// session means online, a dropped one means offline. Text frames of the
// form {"event":"sync"} request a background sync.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Event names carried in realtime frames.
const (
	EventSync    = "sync"
	EventOffline = "offline"
	EventOnline  = "online"
)

// ErrURLEmpty reports a client configured without an endpoint.
var ErrURLEmpty = errors.New("realtime url must not be empty")

// Setter receives connectivity transitions.
type Setter interface {
	Set(online bool) bool
}

// Options configures a Client.
type Options struct {
	Header http.Header
	Dialer *websocket.Dialer
	// OnSync runs for every sync event, on the read goroutine.
	OnSync func()
	Logger *zap.Logger
}

// Client maintains the session, reconnecting with exponential backoff.
type Client struct {
	url    string
	min    time.Duration
	max    time.Duration
	setter Setter
	dialer *websocket.Dialer
	header http.Header
	onSync func()
	logger *zap.Logger
}

type frame struct {
	Event string `json:"event"`
}

// New creates a client for cfg. Zero reconnect bounds fall back to the
// defaults in types.
func New(cfg types.RealtimeConfig, setter Setter, opts Options) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrURLEmpty
	}
	minDelay, maxDelay := cfg.ReconnectMin, cfg.ReconnectMax
	if minDelay <= 0 {
		minDelay = types.DefaultReconnectMin
	}
	if maxDelay <= 0 {
		maxDelay = types.DefaultReconnectMax
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	onSync := opts.OnSync
	if onSync == nil {
		onSync = func() {}
	}
	return &Client{
		url:    cfg.URL,
		min:    minDelay,
		max:    maxDelay,
		setter: setter,
		dialer: dialer,
		header: opts.Header,
		onSync: onSync,
		logger: logging.OrNop(opts.Logger).Named("realtime"),
	}, nil
}

// Run holds the session open until ctx is done. It always returns nil
// once ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.min
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = c.min
		}
		c.logger.Warn("realtime session ended", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, c.max)
	}
}

// session dials and reads frames until the connection fails. It reports
// whether the dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.setter.Set(false)
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("realtime session established")
	c.setter.Set(true)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.setter.Set(false)
			return true, err
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	switch f.Event {
	case EventSync:
		c.onSync()
	case EventOffline:
		c.setter.Set(false)
	case EventOnline:
		c.setter.Set(true)
	default:
		c.logger.Debug("ignoring frame", zap.String("event", f.Event))
	}
}
