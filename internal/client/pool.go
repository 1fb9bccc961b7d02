// Package client provides the pooled upstream HTTP client.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"

	"schema-proxy-go/internal/config"
	"schema-proxy-go/internal/metrics"
	"schema-proxy-go/internal/model"
)

// Terminal failure kinds surfaced by Do. Match them with errors.Is.
var (
	ErrConnectTimeout = errors.New("upstream connect timeout")
	ErrReadTimeout    = errors.New("upstream read timeout")
	ErrWriteTimeout   = errors.New("upstream write timeout")
	ErrPoolTimeout    = errors.New("timed out waiting for an upstream pool slot")
	ErrPoolClosed     = errors.New("upstream pool closed")
	ErrNotStarted     = errors.New("upstream pool not started")
)

const defaultRetryBackoff = 50 * time.Millisecond

// Options configures an UpstreamPool.
type Options struct {
	MaxConnections     int
	MaxIdleConnections int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolTimeout    time.Duration
	KeepAlive      time.Duration

	Retries      int
	RetryBackoff time.Duration
	HTTP2        bool

	// DialContext replaces the default TCP dialer. Tests use it to simulate
	// unreachable or hanging upstreams.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// TLSClientConfig is cloned into the transport when set.
	TLSClientConfig *tls.Config
}

// OptionsFromConfig derives pool options from the upstream configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	u := cfg.Upstream
	opts := Options{
		MaxConnections:     u.MaxConnections,
		MaxIdleConnections: u.MaxKeepaliveConnections,
		ConnectTimeout:     time.Duration(u.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:        time.Duration(u.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:       time.Duration(u.WriteTimeoutSeconds) * time.Second,
		PoolTimeout:        time.Duration(u.PoolTimeoutSeconds) * time.Second,
		KeepAlive:          time.Duration(u.KeepaliveSeconds) * time.Second,
		RetryBackoff:       defaultRetryBackoff,
	}
	if u.Retries != nil {
		opts.Retries = *u.Retries
	}
	if u.HTTP2 != nil {
		opts.HTTP2 = *u.HTTP2
	}
	return opts
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Capacity int   `json:"capacity"`
	InUse    int64 `json:"in_use"`
	InFlight int64 `json:"in_flight"`
	Started  bool  `json:"started"`
	Closed   bool  `json:"closed"`
}

// UpstreamPool is the single shared client used to reach the upstream. It
// bounds concurrent upstream usage to MaxConnections slots, applies per-phase
// timeouts and retries attempts that failed before any request bytes were
// written. It is safe for concurrent use.
type UpstreamPool struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	started   bool
	closed    bool
	client    *http.Client
	transport *http.Transport

	slots    *semaphore.Weighted
	inUse    atomic.Int64
	inFlight atomic.Int64
	wg       sync.WaitGroup

	abortCtx context.Context
	abort    context.CancelCauseFunc
}

// NewUpstreamPool creates an UpstreamPool. Call Start before Do.
// The metrics parameter is optional; pass nil to disable pool metrics.
func NewUpstreamPool(opts Options, logger *slog.Logger, m *metrics.Metrics) *UpstreamPool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1
	}
	if opts.MaxIdleConnections <= 0 {
		opts.MaxIdleConnections = max(opts.MaxConnections/2, 1)
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	abortCtx, abort := context.WithCancelCause(context.Background())
	return &UpstreamPool{
		opts:     opts,
		logger:   logger.With("component", "upstream_pool"),
		metrics:  m,
		slots:    semaphore.NewWeighted(int64(opts.MaxConnections)),
		abortCtx: abortCtx,
		abort:    abort,
	}
}

// Start builds the transport and client. It is idempotent and fails once the
// pool has been closed.
func (p *UpstreamPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return nil
	}

	dialer := p.opts.DialContext
	if dialer == nil {
		dialer = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}

	// Compression stays off so no Accept-Encoding is sent and bodies are
	// relayed byte for byte.
	transport := &http.Transport{
		DialContext:         p.dialContext(dialer),
		MaxConnsPerHost:     p.opts.MaxConnections,
		MaxIdleConns:        p.opts.MaxIdleConnections,
		MaxIdleConnsPerHost: p.opts.MaxIdleConnections,
		IdleConnTimeout:     p.opts.KeepAlive,
		TLSHandshakeTimeout: p.opts.ConnectTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		DisableCompression:  true,
	}
	if p.opts.TLSClientConfig != nil {
		transport.TLSClientConfig = p.opts.TLSClientConfig.Clone()
	}

	if p.opts.HTTP2 {
		h2, err := http2.ConfigureTransports(transport)
		if err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}
		// Ping idle h2 connections so a dead upstream is noticed before reuse.
		h2.ReadIdleTimeout = p.opts.KeepAlive
		h2.PingTimeout = p.opts.ConnectTimeout
	}

	p.transport = transport
	p.client = &http.Client{
		Transport: transport,
		// Redirects are relayed to the caller, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.started = true

	p.logger.Info("upstream pool started",
		"max_connections", p.opts.MaxConnections,
		"max_idle_connections", p.opts.MaxIdleConnections,
		"connect_timeout", p.opts.ConnectTimeout,
		"read_timeout", p.opts.ReadTimeout,
		"write_timeout", p.opts.WriteTimeout,
		"pool_timeout", p.opts.PoolTimeout,
		"retries", p.opts.Retries,
		"http2", p.opts.HTTP2,
	)
	return nil
}

// Close stops admitting calls, waits for in-flight calls until ctx is done,
// aborts whatever is still running and releases pooled connections. It is
// idempotent and safe on a nil or never-started pool.
func (p *UpstreamPool) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	transport := p.transport
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for %d in-flight upstream calls: %w", p.inFlight.Load(), ctx.Err())
		p.abort(ErrPoolClosed)
		<-done
	}
	p.abort(ErrPoolClosed)

	if transport != nil {
		transport.CloseIdleConnections()
	}
	p.logger.Info("upstream pool closed")
	return err
}

// Stats reports current pool usage.
func (p *UpstreamPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolStats{
		Capacity: p.opts.MaxConnections,
		InUse:    p.inUse.Load(),
		InFlight: p.inFlight.Load(),
		Started:  p.started,
		Closed:   p.closed,
	}
}

// Do sends req upstream and returns the fully read response. A response is
// returned for every status code; only transport failures produce an error.
func (p *UpstreamPool) Do(ctx context.Context, req *model.UpstreamRequest) (*model.ProxyResponse, error) {
	p.mu.RLock()
	switch {
	case p.closed:
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	case !p.started:
		p.mu.RUnlock()
		return nil, ErrNotStarted
	}
	p.wg.Add(1)
	client := p.client
	p.mu.RUnlock()

	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.wg.Done()
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.abortCtx, func() { cancel(ErrPoolClosed) })
	defer stop()

	if err := p.acquire(ctx); err != nil {
		p.observeError(err)
		return nil, err
	}
	defer p.release()

	start := time.Now()
	resp, err := p.doWithRetry(ctx, client, req)
	method := metrics.NormalizeMethod(req.Method)
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.observeError(err)
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (p *UpstreamPool) acquire(ctx context.Context) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.PoolTimeout)
	defer cancel()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for pool slot: %w", context.Cause(ctx))
		}
		return ErrPoolTimeout
	}
	p.inUse.Add(1)
	if p.metrics != nil {
		p.metrics.PoolWait.Observe(time.Since(start).Seconds())
		p.metrics.PoolSlotsInUse.Inc()
	}
	return nil
}

func (p *UpstreamPool) release() {
	p.inUse.Add(-1)
	if p.metrics != nil {
		p.metrics.PoolSlotsInUse.Dec()
	}
	p.slots.Release(1)
}

func (p *UpstreamPool) doWithRetry(ctx context.Context, client *http.Client, req *model.UpstreamRequest) (*model.ProxyResponse, error) {
	backoff := p.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		resp, sent, err := p.attempt(ctx, client, req)
		if err == nil {
			return resp, nil
		}
		if sent || attempt >= p.opts.Retries || ctx.Err() != nil {
			return nil, err
		}

		p.logger.Debug("retrying upstream request",
			"method", req.Method,
			"attempt", attempt+1,
			"err", err,
		)
		if p.metrics != nil {
			p.metrics.UpstreamRetries.Inc()
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}
		backoff *= 2
	}
}

// attempt performs a single round trip and reads the whole body. sent
// reports whether any part of the request reached the wire, which makes the
// attempt ineligible for a retry.
func (p *UpstreamPool) attempt(parent context.Context, client *http.Client, req *model.UpstreamRequest) (resp *model.ProxyResponse, sent bool, err error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	wd := &watchdog{cancel: cancel}
	defer wd.disarm()

	var gotConn, wroteHeaders atomic.Bool
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			gotConn.Store(true)
			wd.arm(p.opts.WriteTimeout, ErrWriteTimeout)
		},
		WroteHeaders: func() {
			wroteHeaders.Store(true)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			wd.arm(p.opts.ReadTimeout, ErrReadTimeout)
		},
	}

	body := &progressReader{r: bytes.NewReader(req.Body), touch: func() { wd.touch(ErrWriteTimeout) }}
	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), req.Method, req.URL, body)
	if err != nil {
		return nil, false, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.ContentLength = int64(len(req.Body))
	if len(req.Body) == 0 {
		httpReq.Body = http.NoBody
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	// Only the caller's headers go upstream; an empty value keeps net/http
	// from adding its default User-Agent.
	if _, ok := httpReq.Header["User-Agent"]; !ok {
		httpReq.Header["User-Agent"] = []string{""}
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}

	res, err := client.Do(httpReq)
	if err != nil {
		return nil, wroteHeaders.Load(), p.classify(ctx, gotConn.Load(), err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(&progressReader{r: res.Body, touch: func() { wd.touch(ErrReadTimeout) }})
	if err != nil {
		return nil, true, p.classify(ctx, true, fmt.Errorf("read upstream body: %w", err))
	}

	return &model.ProxyResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       data,
	}, true, nil
}

// classify maps a round-trip error onto the pool's failure kinds.
func (p *UpstreamPool) classify(ctx context.Context, gotConn bool, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, ErrReadTimeout), errors.Is(cause, ErrWriteTimeout), errors.Is(cause, ErrPoolClosed):
			return fmt.Errorf("%w: %w", cause, err)
		}
	}
	if !gotConn && isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}
	return fmt.Errorf("upstream request: %w", err)
}

func (p *UpstreamPool) observeError(err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()
}

// dialContext bounds each dial by the connect timeout.
func (p *UpstreamPool) dialContext(dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if p.opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
			defer cancel()
		}
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrWriteTimeout):
		return "write_timeout"
	case errors.Is(err, ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}
