package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// HTTPConfig configures the net/http transport
type HTTPConfig struct {
	MaxConnections  int
	PoolWaitTimeout time.Duration
	IdleConnTimeout time.Duration
	DialTimeout     time.Duration
	Logger          *zap.Logger
}

// HTTPTransport sends requests with net/http, bounding concurrent requests by a
// connection pool. A request that cannot get a connection within PoolWaitTimeout
// fails with ConnectionPoolExhausted.
type HTTPTransport struct {
	client   *http.Client
	pool     *semaphore.Weighted
	maxConns int
	inUse    int64
	wait     time.Duration
	logger   *zap.Logger
}

// NewHTTPTransport creates a pooled HTTP transport
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rt := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &HTTPTransport{
		client:   &http.Client{Transport: rt},
		pool:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		maxConns: cfg.MaxConnections,
		wait:     cfg.PoolWaitTimeout,
		logger:   cfg.Logger,
	}
}

// Do implements Transport
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	atomic.AddInt64(&t.inUse, 1)
	defer func() {
		atomic.AddInt64(&t.inUse, -1)
		t.pool.Release(1)
	}()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get(HeaderContentType) == "" {
		httpReq.Header.Set(HeaderContentType, ContentTypeJSON)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// InUse returns the number of requests currently holding a connection
func (t *HTTPTransport) InUse() int {
	return int(atomic.LoadInt64(&t.inUse))
}

// Close releases idle connections
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

func (t *HTTPTransport) acquire(ctx context.Context) error {
	if t.wait <= 0 {
		if t.pool.TryAcquire(1) {
			return nil
		}
		t.logger.Warn("Connection pool exhausted",
			zap.Int("in_use", t.InUse()),
			zap.Int("max_connections", t.maxConns))
		return docerrors.ConnectionPoolExhausted(t.InUse(), t.maxConns)
	}

	// the wait ends at PoolWaitTimeout or at the request deadline, whichever
	// comes first; either way the request never got a connection
	wait := t.wait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := t.pool.Acquire(waitCtx, 1); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		t.logger.Warn("Connection pool exhausted",
			zap.Int("in_use", t.InUse()),
			zap.Int("max_connections", t.maxConns),
			zap.Duration("waited", wait))
		return docerrors.ConnectionPoolExhausted(t.InUse(), t.maxConns)
	}
	return nil
}
