// Package router spreads client connections over a fixed set of chat
// processes, round-robin, with no session affinity.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chat-realtime/internal/observability"
)

var ErrNoBackends = errors.New("router needs at least one backend")

type backend struct {
	name  string
	url   *url.URL
	proxy *httputil.ReverseProxy
}

// Proxy forwards every request, upgrades included, to the next backend.
type Proxy struct {
	backends []*backend
	next     atomic.Uint64
	logger   *zap.Logger
}

func NewProxy(addrs []string, logger *zap.Logger) (*Proxy, error) {
	p := &Proxy{logger: logger}
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		target, err := url.Parse(addr)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid backend %q", addr)
		}
		p.backends = append(p.backends, p.newBackend(target))
	}
	if len(p.backends) == 0 {
		return nil, ErrNoBackends
	}
	return p, nil
}

func (p *Proxy) newBackend(target *url.URL) *backend {
	b := &backend{name: target.Host, url: target}
	b.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if upgrade := upgradeType(pr.In.Header); upgrade != "" {
				pr.Out.Header.Set("Connection", "Upgrade")
				pr.Out.Header.Set("Upgrade", upgrade)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("backend request failed", zap.String("backend", b.name), zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"backend unavailable"}`))
		},
	}
	return b
}

// pick returns backends in strict rotation.
func (p *Proxy) pick() *backend {
	n := p.next.Add(1) - 1
	return p.backends[n%uint64(len(p.backends))]
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b := p.pick()
	upgrade := upgradeType(r.Header) != ""
	observability.IncRouterRequest(b.name, upgrade)
	p.logger.Debug("forwarding request", zap.String("backend", b.name), zap.String("path", r.URL.Path), zap.Bool("upgrade", upgrade))
	b.proxy.ServeHTTP(w, r)
}

// Backends lists the configured backend hosts in rotation order.
func (p *Proxy) Backends() []string {
	out := make([]string, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.name)
	}
	return out
}

func upgradeType(h http.Header) string {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return h.Get("Upgrade")
			}
		}
	}
	return ""
}

// NewEngine serves the router's own endpoints under /router and proxies
// everything else.
func NewEngine(p *Proxy) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), observability.HTTPMetricsMiddleware())

	engine.GET("/router/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "backends": p.Backends()})
	})
	engine.GET("/router/metrics", gin.WrapH(promhttp.Handler()))
	engine.NoRoute(gin.WrapH(p))
	return engine
}
