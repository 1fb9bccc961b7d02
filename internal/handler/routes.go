package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schema-proxy-go/internal/metrics"
)

// proxyMethods are the methods forwarded upstream. Anything else gets 405.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodHead,
	http.MethodOptions,
}

// ProxyRoute is the catch-all route pattern every proxied request matches.
const ProxyRoute = "/*"

// RegisterRoutes wires the proxy onto the public Echo instance. Every path,
// the root included, is forwarded.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Match(proxyMethods, "/", proxy.Handle)
	e.Match(proxyMethods, ProxyRoute, proxy.Handle)
}

// RegisterAdminRoutes wires health, status and, when m is non-nil, the
// Prometheus endpoint onto the admin Echo instance.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, metricsPath string) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if m != nil {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
