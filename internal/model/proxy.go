// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// ProxyRequest represents a client request, fully buffered, to be forwarded upstream.
type ProxyRequest struct {
	Method string
	URI    string // escaped path plus "?query" when the request carried one
	Header http.Header
	Body   []byte
}

// UpstreamRequest is the request the pool dispatches to the upstream.
type UpstreamRequest struct {
	Method string
	URL    string
	Host   string
	Header http.Header
	Body   []byte
}

// ProxyResponse represents a fully read upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
