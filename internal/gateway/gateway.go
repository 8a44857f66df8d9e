package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/matst80/tn3270gw/internal/bridge"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/matst80/tn3270gw/internal/ratelimit"
	"github.com/matst80/tn3270gw/internal/session"
	"github.com/matst80/tn3270gw/internal/target"
	"github.com/matst80/tn3270gw/internal/telnet"
	"github.com/pkg/errors"
)

// UpgradeFailedMessage prefixes the body of a refused WebSocket upgrade.
const UpgradeFailedMessage = "Failed to create socket connection between proxy server and 3270 emulator"

// DefaultMaxMessageSize bounds a single browser frame when Options sets no
// limit. Larger frames close the WebSocket with 1009.
const DefaultMaxMessageSize = 1 << 20

type Options struct {
	Static         http.Handler // serves everything that is not an upgrade
	DefaultModel   string
	Allowlist      *target.Allowlist         // nil allows every target
	Limiter        *ratelimit.UpgradeLimiter // nil disables rate limiting
	CheckOrigin    bool                      // require Origin to match Host
	PingInterval   time.Duration
	MaxMessageSize int64
	TrustProxy     bool // take the client IP from X-Forwarded-For
	Debug          bool // wrap the handler with request logging
}

// Server accepts browser WebSockets and pairs each with a host connection.
type Server struct {
	registry *session.Registry
	bridge   *bridge.Bridge
	opts     Options
	upgrader websocket.Upgrader
}

func New(registry *session.Registry, br *bridge.Bridge, opts Options) *Server {
	if opts.DefaultModel == "" {
		opts.DefaultModel = telnet.DefaultModel
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Static == nil {
		opts.Static = http.NotFoundHandler()
	}
	s := &Server{registry: registry, bridge: br, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			obs.Error("ws.upgrade", obs.Fields{"remote": r.RemoteAddr, "status": status, "err": reason.Error()})
			obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
			http.Error(w, UpgradeFailedMessage+": "+reason.Error(), http.StatusInternalServerError)
		},
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if !s.opts.CheckOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Handler is the gateway's HTTP entry point.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s)
	if s.opts.Debug {
		h = requestlog.Wrap(h)
	}
	return h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveUpgrade(w, r)
		return
	}
	s.opts.Static.ServeHTTP(w, r)
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := clientIP(r, s.opts.TrustProxy)
	q := r.URL.Query()
	host, port, err := target.Parse(q)
	if err != nil {
		obs.Warn("ws.bad_request", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	model := q.Get(proto.ParamModel)
	if model == "" {
		model = s.opts.DefaultModel
	} else if !telnet.ValidModel(model) {
		obs.Warn("ws.bad_request", obs.Fields{"remote": remote, "model": model})
		obs.ErrorsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "model must be 1-40 letters, digits or hyphens", http.StatusBadRequest)
		return
	}
	if err := s.opts.Allowlist.Check(host, port); err != nil {
		obs.Warn("ws.target_denied", obs.Fields{"remote": remote, "host": host, "port": port})
		obs.ErrorsTotal.WithLabelValues("target_denied").Inc()
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if !s.opts.Limiter.Allow(remote) {
		obs.Warn("ws.rate_limited", obs.Fields{"remote": remote})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if s.registry.Closing() {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the Error callback has already answered
		return
	}
	sess, err := s.registry.Create(host, port, remote)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(proto.CloseGoingAway, "gateway shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	sess.SetModel(model)
	if err := sess.AttachClient(conn); err != nil {
		_ = conn.Close()
		s.registry.Remove(sess.ID)
		return
	}
	s.registry.Touch(sess)
	obs.Info("session.created", obs.Fields{"session": sess.ID, "remote": remote, "addr": sess.Addr(), "model": model})

	// Dial before reading so that no browser frame can overtake the connect.
	if err := s.bridge.Connect(r.Context(), sess); err != nil {
		return
	}

	done := make(chan struct{})
	go s.keepalive(sess.ID, done)
	s.readLoop(sess.ID, conn)
	close(done)
}

// keepalive pings the browser until done. Pong replies are not required.
func (s *Server) keepalive(id uint64, done <-chan struct{}) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			sess, ok := s.registry.Get(id)
			if !ok {
				return
			}
			if err := sess.Ping(); err != nil {
				return
			}
		}
	}
}

// readLoop forwards browser frames until the WebSocket closes, then tears
// the session down from the client side.
func (s *Server) readLoop(id uint64, conn *websocket.Conn) {
	conn.SetReadLimit(s.opts.MaxMessageSize)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				obs.Warn("ws.closed", obs.Fields{"session": id, "err": err.Error()})
			} else {
				obs.Info("ws.closed", obs.Fields{"session": id})
			}
			s.clientGone(id)
			return
		}
		s.onMessage(id, mt, data)
	}
}

func (s *Server) onMessage(id uint64, mt int, data []byte) {
	sess, ok := s.registry.Get(id)
	if !ok {
		obs.Warn("ws.stale_session", obs.Fields{"session": id, "bytes": len(data)})
		obs.ErrorsTotal.WithLabelValues("stale_session").Inc()
		return
	}
	switch mt {
	case websocket.TextMessage:
		if !telnet.ValidModel(string(data)) {
			obs.Warn("session.bad_model", obs.Fields{"session": id, "bytes": len(data)})
			obs.ErrorsTotal.WithLabelValues("bad_model").Inc()
			return
		}
		sess.SetModel(string(data))
		s.registry.Touch(sess)
		obs.Info("session.model", obs.Fields{"session": id, "model": string(data)})
	case websocket.BinaryMessage:
		if err := s.bridge.Write(sess, data); err != nil {
			if errors.Is(err, session.ErrClosed) {
				obs.Warn("ws.stale_session", obs.Fields{"session": id, "bytes": len(data)})
				return
			}
			obs.Error("tcp.write", obs.Fields{"session": id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("tcp_write").Inc()
		}
	}
}

func (s *Server) clientGone(id uint64) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return
	}
	sess.CloseClient(proto.CloseNormal, "")
	s.bridge.Disconnect(sess)
}

// Shutdown closes every session with 1001, then stops srv accepting new
// connections and waits for in-flight handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	s.registry.SetClosing(true)
	n := s.registry.CloseAll()
	obs.Info("gateway.shutdown", obs.Fields{"sessions": n})
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
