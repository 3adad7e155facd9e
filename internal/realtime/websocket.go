package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/session"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

var errMissingPushURL = errors.New("realtime: push url is required")

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Logger           *zap.Logger
}

// WebSocketTransport dials the push endpoint over WebSocket and speaks
// JSON envelopes.
type WebSocketTransport struct {
	endpoint     *url.URL
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readLimit    int64
	logger       *zap.Logger
}

// NewWebSocketTransport validates cfg. http and https URLs are mapped to ws and wss.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errMissingPushURL
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid push url: %w", err)
	}
	switch endpoint.Scheme {
	case "ws", "wss":
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime: unsupported push url scheme %q", endpoint.Scheme)
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocketTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
		readLimit:    readLimit,
		logger:       logger,
	}, nil
}

// Dial opens a connection authenticated as identity.
func (t *WebSocketTransport) Dial(ctx context.Context, identity session.Identity) (Conn, error) {
	target := *t.endpoint
	query := target.Query()
	query.Set("tenantId", identity.TenantID())
	target.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+identity.Token())

	conn, response, err := t.dialer.DialContext(ctx, target.String(), header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("realtime: handshake rejected with status %d: %w", response.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial push endpoint: %w", err)
	}
	conn.SetReadLimit(t.readLimit)

	return &wsConn{
		conn:         conn,
		writeTimeout: t.writeTimeout,
		logger:       t.logger,
	}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
	logger       *zap.Logger
}

func (c *wsConn) Send(envelope Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(envelope)
}

// Receive returns the next well-formed frame; malformed frames are skipped.
func (c *wsConn) Receive() (Envelope, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			c.logger.Debug("push frame ignored", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		return envelope, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
