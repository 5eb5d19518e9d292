package proxy

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// idlePingInterval paces keepalive pings on a spliced connection so an
// idle tunnel isn't reaped by intermediaries. Reconnection after a drop
// remains the client's responsibility.
const idlePingInterval = 30 * time.Second

// serveWebSocket performs the upgrade handoff: open a peer connection to
// the upstream, forward the handshake, then splice both directions until
// either side closes.
func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL) {
	upstreamURL := *target
	upstreamURL.Scheme = wsScheme(target.Scheme)
	upstreamURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	upstreamHeader := make(http.Header)
	for k, v := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		default:
			upstreamHeader[k] = v
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: e.dialTimeout}
	upstreamConn, resp, err := dialer.Dial(upstreamURL.String(), upstreamHeader)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		e.logger.Warn("gatewayd.proxy.websocket_dial_failed", "error", err, "target", upstreamURL.String())
		http.Error(w, "upstream websocket unavailable", status)
		return
	}
	defer upstreamConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("gatewayd.proxy.websocket_upgrade_failed", "error", err)
		return
	}
	defer clientConn.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go pingLoop(clientConn, upstreamConn, stopPing)

	done := make(chan struct{}, 2)
	go spliceWebSocket(clientConn, upstreamConn, done)
	go spliceWebSocket(upstreamConn, clientConn, done)
	<-done
}

// pingLoop sends periodic pings to both ends until stop closes.
// WriteControl is safe to call concurrently with the splice writers.
func pingLoop(client, upstream *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			client.WriteControl(websocket.PingMessage, nil, deadline)
			upstream.WriteControl(websocket.PingMessage, nil, deadline)
		}
	}
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

// spliceWebSocket copies messages from src to dst until either side
// closes or errors. It is intentionally oblivious to message type: binary
// and text frames are forwarded as-is.
func spliceWebSocket(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			return
		}
	}
}
