package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream is a bidirectional message stream used by subscription workers.
// Read blocks until a message arrives or the stream is closed; Close unblocks it.
type Stream interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// StreamDialer opens streams to a node
type StreamDialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Stream, error)
}

// WebSocketDialer dials subscription streams over websockets
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewWebSocketDialer creates a websocket stream dialer
func NewWebSocketDialer(handshakeTimeout, writeTimeout time.Duration, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Dial implements StreamDialer
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Stream, error) {
	wsURL := ToWebSocketURL(url)
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	d.logger.Debug("Stream connected", zap.String("url", wsURL))
	return &wsStream{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// ToWebSocketURL rewrites an http(s) URL to its ws(s) equivalent
func ToWebSocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (s *wsStream) Read() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
