// Package httpclient provides the worker's shared outbound HTTP client:
// one pooled transport with a hard bound on total in-flight requests.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after Close has begun.
var ErrClosed = errors.New("http pool is closed")

// Config bounds the shared transport.
type Config struct {
	// MaxConnections bounds total in-flight requests across all hosts.
	MaxConnections int
	// PerHost bounds connections to any single host.
	PerHost int
	// IdleTimeout is how long an idle connection is kept for reuse.
	IdleTimeout time.Duration
}

func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	} else if c.PerHost <= 0 {
		return errors.New("PerHost must be positive")
	}
	return nil
}

// Pool is a concurrency-bounded wrapper of one shared http.Client.
// All outbound calls of the worker (providers, callback pages) draw from it,
// so a slow upstream saturates its own slots rather than the process.
type Pool struct {
	client    *http.Client
	transport *http.Transport
	sem       *semaphore.Weighted
	size      int64

	mu     sync.Mutex
	closed bool
}

// NewPool builds a Pool around a single pooled transport.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}

	var transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       cfg.PerHost,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.PerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Pool{
		client:    &http.Client{Transport: transport},
		transport: transport,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		size:      int64(cfg.MaxConnections),
	}, nil
}

// Acquire blocks until a request slot is free (or ctx is done) and returns
// the shared client with a release closure. Release is idempotent.
func (p *Pool) Acquire(ctx context.Context) (*http.Client, func(), error) {
	p.mu.Lock()
	var closed = p.closed
	p.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	return p.client, func() { once.Do(func() { p.sem.Release(1) }) }, nil
}

// Close stops new acquisitions, waits for in-flight requests to release
// their slots (bounded by ctx), then drops idle connections. In-flight
// requests are not interrupted; cancel their contexts to cut them short.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err = p.sem.Acquire(ctx, p.size)
	p.transport.CloseIdleConnections()
	if err != nil {
		return fmt.Errorf("waiting for in-flight requests: %w", err)
	}
	return nil
}
