// Package proxy forwards requests to upstreams: HTTP(S) proxying with
// per-upstream connection pooling, header canonicalisation, streaming
// bodies, and WebSocket upgrade handoff.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ruachtech/gatewayd/internal/apperrors"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// returned response. Upgrade is handled separately by the WebSocket
// splice path and is never forwarded through the ordinary reverse-proxy
// path.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine proxies requests to upstreams named by URL, pooling connections
// per upstream host.
type Engine struct {
	logger *slog.Logger

	dialTimeout     time.Duration
	responseTimeout time.Duration
	requestTimeout  time.Duration

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewEngine builds an Engine. Zero durations fall back to the defaults:
// upstream connect 10s, upstream response 30s, inbound request 30s.
func NewEngine(dialTimeout, responseTimeout, requestTimeout time.Duration, logger *slog.Logger) *Engine {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if responseTimeout <= 0 {
		responseTimeout = 30 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:          logger,
		dialTimeout:     dialTimeout,
		responseTimeout: responseTimeout,
		requestTimeout:  requestTimeout,
		transports:      make(map[string]*http.Transport),
	}
}

func (e *Engine) transportFor(target *url.URL) *http.Transport {
	key := target.Scheme + "://" + target.Host

	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.transports[key]; ok {
		return t
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   e.dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: e.responseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	e.transports[key] = t
	return t
}

// ServeUpstream proxies r to target, writing the upstream's response (or
// an error response) to w. headerInjections are applied to the outbound
// response last, after hop-by-hop stripping, so a configured header wins
// over whatever the upstream sent.
func (e *Engine) ServeUpstream(w http.ResponseWriter, r *http.Request, target *url.URL, headerInjections map[string]string) {
	if isWebSocketUpgrade(r) {
		e.serveWebSocket(w, r, target)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), e.requestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	rp := &httputil.ReverseProxy{
		Transport: e.transportFor(target),
		Director: func(out *http.Request) {
			director(out, target, r)
			// ReverseProxy appends the client address to X-Forwarded-For
			// itself after Director returns (when the peer address parses);
			// hand it the inbound chain so the client is recorded once.
			if _, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				if prior, ok := r.Header["X-Forwarded-For"]; ok {
					out.Header["X-Forwarded-For"] = prior
				} else {
					out.Header.Del("X-Forwarded-For")
				}
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHeaders(resp.Header)
			for k, v := range headerInjections {
				resp.Header.Set(k, v)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			e.writeUpstreamError(w, r, err)
		},
	}

	rp.ServeHTTP(w, r)
}

func director(out *http.Request, target *url.URL, in *http.Request) {
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = singleJoiningSlash(target.Path, out.URL.Path)
	if target.RawQuery == "" || out.URL.RawQuery == "" {
		out.URL.RawQuery = target.RawQuery + out.URL.RawQuery
	} else {
		out.URL.RawQuery = target.RawQuery + "&" + out.URL.RawQuery
	}
	out.Host = target.Host

	stripHeaders(out.Header)

	clientIP, _, err := net.SplitHostPort(in.RemoteAddr)
	if err != nil {
		clientIP = in.RemoteAddr
	}
	if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	default:
		return a + b
	}
}

func stripHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (e *Engine) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var kind error
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = apperrors.ErrUpstreamTimeout
		status = http.StatusGatewayTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = apperrors.ErrUpstreamTimeout
			status = http.StatusGatewayTimeout
		} else {
			kind = apperrors.ErrUpstreamUnavailable
			status = http.StatusBadGateway
		}
	}

	e.logger.Warn("gatewayd.proxy.upstream_error",
		"error", fmt.Errorf("%w: %v", kind, err),
		"path", r.URL.Path,
		"status", status,
	)
	w.WriteHeader(status)
}
