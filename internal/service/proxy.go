// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"schema-proxy-go/internal/config"
	"schema-proxy-go/internal/metrics"
	"schema-proxy-go/internal/model"
	"schema-proxy-go/internal/rewrite"
	"schema-proxy-go/internal/samplelog"
)

const defaultContentType = "application/json"

// hopByHopHeaders describe a single connection and are not relayed to the
// caller.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Upstream dispatches a request to the upstream and returns the full response.
// *client.UpstreamPool implements it.
type Upstream interface {
	Do(ctx context.Context, req *model.UpstreamRequest) (*model.ProxyResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	upstream Upstream
	samples  *samplelog.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	baseURL  string
	host     string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(up Upstream, cfg *config.Config, logger *slog.Logger, samples *samplelog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	if cfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream base_url is required")
	}
	if cfg.Upstream.Host == "" {
		return nil, fmt.Errorf("upstream host is required")
	}
	if samples == nil {
		samples = samplelog.New(logger, samplelog.Always)
	}

	return &ProxyService{
		upstream: up,
		samples:  samples,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
		baseURL:  strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		host:     cfg.Upstream.Host,
	}, nil
}

// Forward rewrites pr's body, sends it upstream and returns the upstream
// response with its body rewritten the same way.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req := &model.UpstreamRequest{
		Method: pr.Method,
		URL:    s.buildUpstreamURL(pr.URI),
		Host:   s.host,
		Header: s.buildRequestHeaders(pr.Header),
		Body:   s.rewrite("request", pr.Body),
	}

	s.logger.Debug("forwarding request",
		"method", req.Method,
		"url", req.URL,
	)
	s.samples.Request(req.Method, req.URL, pr.Body)

	resp, err := s.upstream.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.samples.Response(resp.StatusCode, resp.Body)

	header := filterResponseHeaders(resp.Header)
	body := s.rewrite("response", resp.Body)
	// A HEAD reply keeps the length of the body it describes. Otherwise the
	// upstream length is relayed only while it still frames the body.
	if pr.Method != http.MethodHead && header.Get("Content-Length") != strconv.Itoa(len(body)) {
		header.Del("Content-Length")
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func (s *ProxyService) buildUpstreamURL(uri string) string {
	if uri == "" {
		uri = "/"
	}
	return s.baseURL + uri
}

// buildRequestHeaders returns the fixed header set sent upstream. No other
// inbound header is forwarded.
func (s *ProxyService) buildRequestHeaders(src http.Header) http.Header {
	contentType := src.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	return http.Header{
		"Host":          {s.host},
		"Authorization": {src.Get("Authorization")},
		"Content-Type":  {contentType},
		"Connection":    {"keep-alive"},
	}
}

func (s *ProxyService) rewrite(direction string, body []byte) []byte {
	out := rewrite.Body(body)
	if s.metrics != nil && !bytes.Equal(out, body) {
		s.metrics.Rewrites.WithLabelValues(direction).Inc()
	}
	return out
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}
