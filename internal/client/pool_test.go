package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schema-proxy-go/internal/config"
	"schema-proxy-go/internal/metrics"
	"schema-proxy-go/internal/model"
)

func testOptions() Options {
	return Options{
		MaxConnections: 10,
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		PoolTimeout:    time.Second,
		KeepAlive:      30 * time.Second,
		RetryBackoff:   time.Millisecond,
	}
}

// newTestPool starts a pool and closes it when the test ends.
func newTestPool(t *testing.T, opts Options, m *metrics.Metrics) *UpstreamPool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewUpstreamPool(opts, logger, m)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestUpstreamPool_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		if r.Host != "upstream.example" {
			t.Errorf("Host = %q, want %q", r.Host, "upstream.example")
		}
		if r.URL.RequestURI() != "/api/v3/items?id=7" {
			t.Errorf("RequestURI = %q", r.URL.RequestURI())
		}
		if r.Header.Get("Authorization") != "Bearer t" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("body = %q, want %q", body, "payload")
		}
		w.Header().Set("X-Foo", "bar")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestPool(t, testOptions(), metrics.New())

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodPut,
		URL:    srv.URL + "/api/v3/items?id=7",
		Host:   "upstream.example",
		Header: http.Header{"Authorization": {"Bearer t"}},
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("X-Foo") != "bar" {
		t.Errorf("X-Foo = %q, want %q", resp.Header.Get("X-Foo"), "bar")
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestUpstreamPool_Do_ErrorStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Retries = 3
	p := newTestPool(t, opts, nil)

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: []byte("x")})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hit %d times, want 1", n)
	}
}

func TestUpstreamPool_Do_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	p := newTestPool(t, testOptions(), nil)

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}
}

func TestUpstreamPool_ConnectTimeout(t *testing.T) {
	var dials atomic.Int32
	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.Retries = 1
	opts.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := metrics.New()
	p := newTestPool(t, opts, m)

	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: "http://upstream.invalid/"})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Do() error = %v, want ErrConnectTimeout", err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dialed %d times, want 2 (1 attempt + 1 retry)", n)
	}
	if got := counterValue(t, m, "schema_proxy_upstream_errors_total", "connect_timeout"); got != 1 {
		t.Errorf("connect_timeout errors = %v, want 1", got)
	}
}

func TestUpstreamPool_RetriesDialFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var dials atomic.Int32
	opts := testOptions()
	opts.Retries = 3
	opts.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	m := metrics.New()
	p := newTestPool(t, opts, m)

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: []byte("x")})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q, want %q", resp.Body, "ok")
	}
	if n := dials.Load(); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}
	if got := counterValue(t, m, "schema_proxy_upstream_retries_total", ""); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestUpstreamPool_RetriesExhausted(t *testing.T) {
	var dials atomic.Int32
	opts := testOptions()
	opts.Retries = 2
	opts.DialContext = func(_ context.Context, network, _ string) (net.Conn, error) {
		dials.Add(1)
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	p := newTestPool(t, opts, nil)

	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: "http://upstream.invalid/"})
	if err == nil {
		t.Fatal("Do() expected error, got nil")
	}
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrReadTimeout) {
		t.Errorf("Do() error = %v, want a non-timeout failure", err)
	}
	if n := dials.Load(); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}
}

func TestUpstreamPool_ReadTimeout_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ReadTimeout = 100 * time.Millisecond
	opts.Retries = 3
	p := newTestPool(t, opts, nil)

	start := time.Now()
	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: []byte("x")})
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Do() error = %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("read timeout took %v; a sent request must not be retried", elapsed)
	}
}

func TestUpstreamPool_ReadTimeout_StalledBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ReadTimeout = 100 * time.Millisecond
	p := newTestPool(t, opts, nil)

	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Do() error = %v, want ErrReadTimeout", err)
	}
}

func TestUpstreamPool_SlowButSteadyBodyIsNotATimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for range 5 {
			_, _ = w.Write([]byte("chunk;"))
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ReadTimeout = 150 * time.Millisecond
	p := newTestPool(t, opts, nil)

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := strings.Count(string(resp.Body), "chunk;"); got != 5 {
		t.Errorf("received %d chunks, want 5", got)
	}
}

func TestUpstreamPool_ConcurrencyBound(t *testing.T) {
	const limit = 2
	var active, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxConnections = limit
	opts.PoolTimeout = 5 * time.Second
	p := newTestPool(t, opts, nil)

	const requests = 12
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
			if err == nil && string(resp.Body) != "ok" {
				err = errors.New("unexpected body " + string(resp.Body))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Do() error = %v", err)
		}
	}
	if got := peak.Load(); got > limit {
		t.Errorf("peak upstream concurrency = %d, want <= %d", got, limit)
	}
	if s := p.Stats(); s.InUse != 0 || s.InFlight != 0 {
		t.Errorf("Stats() after completion = %+v, want no slots in use", s)
	}
}

func TestUpstreamPool_PoolTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions()
	opts.MaxConnections = 1
	opts.PoolTimeout = 50 * time.Millisecond
	p := newTestPool(t, opts, nil)

	go func() {
		_, _ = p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	}()
	waitFor(t, func() bool { return p.Stats().InUse == 1 })

	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("Do() error = %v, want ErrPoolTimeout", err)
	}
}

func TestUpstreamPool_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := newTestPool(t, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := p.Do(ctx, &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrReadTimeout) {
		t.Errorf("caller cancellation classified as timeout: %v", err)
	}
}

func TestUpstreamPool_Lifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := &model.UpstreamRequest{Method: http.MethodGet, URL: "http://upstream.invalid/"}

	var nilPool *UpstreamPool
	if err := nilPool.Close(context.Background()); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}

	never := NewUpstreamPool(testOptions(), logger, nil)
	if _, err := never.Do(context.Background(), req); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Do() before Start error = %v, want ErrNotStarted", err)
	}
	if err := never.Close(context.Background()); err != nil {
		t.Errorf("Close() on never-started pool error = %v", err)
	}

	p := NewUpstreamPool(testOptions(), logger, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := p.Start(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Start() after Close error = %v, want ErrPoolClosed", err)
	}
	if _, err := p.Do(context.Background(), req); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Do() after Close error = %v, want ErrPoolClosed", err)
	}
	if s := p.Stats(); !s.Closed {
		t.Errorf("Stats().Closed = false after Close")
	}
}

func TestUpstreamPool_CloseWaitsForInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	p := newTestPool(t, testOptions(), nil)

	result := make(chan error, 1)
	go func() {
		_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
		result <- err
	}()
	waitFor(t, func() bool { return p.Stats().InFlight == 1 })

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s := p.Stats(); s.InFlight != 0 {
		t.Errorf("Close() returned with %d calls in flight", s.InFlight)
	}
	if err := <-result; err != nil {
		t.Errorf("in-flight Do() error = %v, want success", err)
	}
}

func TestUpstreamPool_CloseAbortsAfterDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := newTestPool(t, testOptions(), nil)

	result := make(chan error, 1)
	go func() {
		_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
		result <- err
	}()
	waitFor(t, func() bool { return p.Stats().InFlight == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want context.DeadlineExceeded", err)
	}
	if err := <-result; !errors.Is(err, ErrPoolClosed) {
		t.Errorf("aborted Do() error = %v, want ErrPoolClosed", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	retries := 4
	h2 := true
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		MaxConnections:          600,
		MaxKeepaliveConnections: 300,
		ConnectTimeoutSeconds:   5,
		ReadTimeoutSeconds:      30,
		WriteTimeoutSeconds:     6,
		PoolTimeoutSeconds:      7,
		KeepaliveSeconds:        75,
		Retries:                 &retries,
		HTTP2:                   &h2,
	}}

	opts := OptionsFromConfig(cfg)
	if opts.MaxConnections != 600 || opts.MaxIdleConnections != 300 {
		t.Errorf("connections = %d/%d, want 600/300", opts.MaxConnections, opts.MaxIdleConnections)
	}
	if opts.ConnectTimeout != 5*time.Second || opts.ReadTimeout != 30*time.Second ||
		opts.WriteTimeout != 6*time.Second || opts.PoolTimeout != 7*time.Second {
		t.Errorf("timeouts = %v/%v/%v/%v", opts.ConnectTimeout, opts.ReadTimeout, opts.WriteTimeout, opts.PoolTimeout)
	}
	if opts.KeepAlive != 75*time.Second {
		t.Errorf("KeepAlive = %v, want 75s", opts.KeepAlive)
	}
	if opts.Retries != 4 || !opts.HTTP2 {
		t.Errorf("Retries/HTTP2 = %d/%v, want 4/true", opts.Retries, opts.HTTP2)
	}
}

func TestUpstreamPool_StartWithHTTP2(t *testing.T) {
	opts := testOptions()
	opts.HTTP2 = true
	p := newTestPool(t, opts, nil)

	if !slices.Contains(p.transport.TLSClientConfig.NextProtos, "h2") {
		t.Errorf("NextProtos = %v, want h2 offered via ALPN", p.transport.TLSClientConfig.NextProtos)
	}
}

func TestUpstreamPool_WriteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never read the body so the client's writes stall once the socket
		// buffers fill.
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := metrics.New()
	opts := testOptions()
	opts.WriteTimeout = 200 * time.Millisecond
	opts.Retries = 3
	p := newTestPool(t, opts, m)

	body := make([]byte, 64<<20)
	start := time.Now()
	_, err := p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: body})
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("Do() error = %v, want ErrWriteTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("write timeout took %v; a partly written request must not be retried", elapsed)
	}
	if got := counterValue(t, m, "schema_proxy_upstream_errors_total", "write_timeout"); got != 1 {
		t.Errorf("write_timeout errors = %v, want 1", got)
	}
}

func TestUpstreamPool_HTTP2RoundTrip(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Proto != "HTTP/2.0" {
			t.Errorf("Proto = %q, want HTTP/2.0", r.Proto)
		}
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	opts := testOptions()
	opts.HTTP2 = true
	opts.ReadTimeout = 100 * time.Millisecond
	opts.TLSClientConfig = srv.Client().Transport.(*http.Transport).TLSClientConfig
	p := newTestPool(t, opts, nil)

	resp, err := p.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/items",
		Header: http.Header{"Connection": {"keep-alive"}, "Content-Type": {"application/json"}},
		Body:   []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Body) != `{"a":1}` {
		t.Errorf("response = %d %s, want 201 {\"a\":1}", resp.StatusCode, resp.Body)
	}

	_, err = p.Do(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL + "/slow"})
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Do() over h2 error = %v, want ErrReadTimeout", err)
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// counterValue returns the value of a counter, optionally selecting the
// series whose "kind" label equals kind.
func counterValue(t *testing.T, m *metrics.Metrics, name, kind string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if kind == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == kind {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
