package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultSendQueue    = 8
	defaultWriteTimeout = 2 * time.Second
	closeWriteTimeout   = time.Second
	maxInboundFrame     = 1 << 20
)

// WSDialer opens websocket channels.
type WSDialer struct {
	// SendQueue bounds how many chunks may wait for the writer before Send drops.
	SendQueue    int
	WriteTimeout time.Duration

	dialer websocket.Dialer
}

func NewWSDialer() *WSDialer {
	return &WSDialer{
		SendQueue:    defaultSendQueue,
		WriteTimeout: defaultWriteTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Channel, error) {
	wsURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, &Error{Op: "dial", URL: rawURL, Err: err}
	}
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "dial", URL: wsURL, Err: fmt.Errorf("%s: %w", resp.Status, err)}
		}
		return nil, &Error{Op: "dial", URL: wsURL, Err: err}
	}

	queue := d.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return newWSChannel(conn, wsURL, queue, writeTimeout), nil
}

// NormalizeURL maps http(s) schemes onto ws(s) and defaults a bare host to ws.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty websocket url")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("websocket url host is required")
	}
	return u.String(), nil
}

type wsChannel struct {
	conn         *websocket.Conn
	url          string
	writeTimeout time.Duration

	out    chan []byte
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	writeErr  atomic.Pointer[error]
}

func newWSChannel(conn *websocket.Conn, url string, queue int, writeTimeout time.Duration) *wsChannel {
	c := &wsChannel{
		conn:         conn,
		url:          url,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queue),
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundFrame)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *wsChannel) Send(chunk []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- chunk:
		return true
	default:
		return false
	}
}

func (c *wsChannel) Events() <-chan Event { return c.events }

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case chunk := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				// The reader owns event emission; closing the socket wakes it up.
				c.writeErr.Store(&err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// readLoop is the only sender on c.events and closes it on exit.
func (c *wsChannel) readLoop() {
	defer close(c.events)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.emit(c.terminalEvent(err))
			return
		}
		if !c.emit(Message{Data: data, Binary: msgType == websocket.BinaryMessage}) {
			return
		}
	}
}

func (c *wsChannel) terminalEvent(readErr error) Event {
	if werr := c.writeErr.Load(); werr != nil {
		return Errored{Err: &Error{Op: "write", URL: c.url, Err: *werr}}
	}
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return Closed{Code: ce.Code, Reason: ce.Text}
		}
	}
	return Errored{Err: &Error{Op: "read", URL: c.url, Err: readErr}}
}

func (c *wsChannel) emit(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
