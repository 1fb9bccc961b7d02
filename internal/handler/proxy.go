package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"schema-proxy-go/internal/client"
	"schema-proxy-go/internal/model"
	"schema-proxy-go/internal/service"
)

// Error bodies returned to the caller. Nothing about the underlying failure
// is exposed beyond these fixed strings.
const (
	msgConnectTimeout = "Upstream connection timeout"
	msgReadTimeout    = "Upstream response timeout"
	msgInternal       = "Internal server error"
)

// ProxyHandler forwards every inbound request to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle reads the full request body, forwards it and writes back the
// upstream status, headers and rewritten body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// Body limit violations keep their own status.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}

	pr := &model.ProxyRequest{
		Method: req.Method,
		URI:    req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// Upstream values replace any the middleware chain set (X-Request-Id).
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead || len(resp.Body) == 0 {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		// Status is already sent; the caller sees a truncated body.
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, client.ErrConnectTimeout):
		h.logger.Warn("upstream connect timeout", "err", err, "path", path)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": msgConnectTimeout})
	case errors.Is(err, client.ErrReadTimeout):
		h.logger.Warn("upstream read timeout", "err", err, "path", path)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": msgReadTimeout})
	}

	h.logger.Error("proxy error",
		"err", err,
		"err_type", fmt.Sprintf("%T", rootCause(err)),
		"path", path,
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgInternal})
}

// rootCause follows the wrap chain to the innermost error. For errors joining
// several causes it follows the last one, which is where the transport error
// sits behind the pool's failure kind.
func rootCause(err error) error {
	for {
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			errs := e.Unwrap()
			if len(errs) == 0 {
				return err
			}
			err = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			next := e.Unwrap()
			if next == nil {
				return err
			}
			err = next
		default:
			return err
		}
	}
}
