package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/matst80/tn3270gw/internal/ebcdic"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/matst80/tn3270gw/internal/session"
	"github.com/matst80/tn3270gw/internal/telnet"
	"github.com/pkg/errors"
)

type Options struct {
	Dialer         Dialer // nil dials directly
	DialTimeout    time.Duration
	ReadBufferSize int
	Dump           bool // hex dump host traffic at debug level
}

// Bridge owns the TCP side of every session: it dials the host, answers
// host-initiated Telnet negotiation and relays data to the WebSocket.
type Bridge struct {
	registry *session.Registry
	dialer   Dialer
	timeout  time.Duration
	bufSize  int
	dump     bool
}

func New(registry *session.Registry, opts Options) *Bridge {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 8192
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: opts.DialTimeout}
	}
	return &Bridge{
		registry: registry,
		dialer:   opts.Dialer,
		timeout:  opts.DialTimeout,
		bufSize:  opts.ReadBufferSize,
		dump:     opts.Dump,
	}
}

// Connect dials the session's host and starts relaying. On failure the
// WebSocket is closed with 1011 and the session is evicted; there is no retry.
func (b *Bridge) Connect(ctx context.Context, s *session.Session) error {
	dctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	conn, err := b.dialer.DialContext(dctx, "tcp", s.Addr())
	if err != nil {
		obs.Error("tcp.connect", obs.Fields{"session": s.ID, "addr": s.Addr(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("connect").Inc()
		b.registry.CountFailure()
		s.CloseClient(proto.CloseInternalError, err.Error())
		b.registry.Remove(s.ID)
		return errors.Wrapf(err, "session %d: connect %s", s.ID, s.Addr())
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if err := s.AttachHost(conn); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "session %d", s.ID)
	}
	// torn down while dialing
	if _, ok := b.registry.Get(s.ID); !ok {
		s.CloseHost()
		return errors.Wrapf(session.ErrClosed, "session %d", s.ID)
	}
	obs.Info("tcp.connected", obs.Fields{"session": s.ID, "addr": s.Addr()})
	go b.pump(s, conn)
	return nil
}

func (b *Bridge) pump(s *session.Session, conn net.Conn) {
	buf := make([]byte, b.bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.inbound(s, buf[:n])
		}
		if err != nil {
			b.hostGone(s, conn, err)
			return
		}
	}
}

// inbound handles one read from the host. A read starting with IAC is taken
// to be negotiation only and is never forwarded; a host that appends data to
// a negotiation frame in the same segment would lose that data.
func (b *Bridge) inbound(s *session.Session, data []byte) {
	if b.dump && obs.DebugEnabled() {
		obs.Debug("tcp.inbound", obs.Fields{"session": s.ID, "dump": ebcdic.Dump(fmt.Sprintf("#%d host -> gateway", s.ID), data)})
	}
	if telnet.IsCommand(data) {
		reply, pattern, ok := telnet.Respond(data, s.Model())
		if !ok {
			obs.Warn("telnet.unrecognized", obs.Fields{"session": s.ID, "frame": strings.Join(telnet.Decode(data), " ")})
			obs.NegotiationsTotal.WithLabelValues("unrecognized").Inc()
			return
		}
		obs.NegotiationsTotal.WithLabelValues(pattern).Inc()
		obs.Debug("telnet.negotiate", obs.Fields{
			"session": s.ID,
			"request": strings.Join(telnet.Decode(data), " "),
			"reply":   strings.Join(telnet.Decode(reply), " "),
		})
		if err := s.SendToHost(reply); err != nil && !errors.Is(err, session.ErrClosed) {
			obs.Error("telnet.reply", obs.Fields{"session": s.ID, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("tcp_write").Inc()
		}
		return
	}
	if err := s.SendToClient(data); err != nil {
		if !errors.Is(err, session.ErrClosed) {
			obs.Error("ws.write", obs.Fields{"session": s.ID, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("ws_write").Inc()
		}
		return
	}
	obs.BytesTotal.WithLabelValues("host_to_client").Add(float64(len(data)))
}

// hostGone tears the session down after the host read loop ends.
func (b *Bridge) hostGone(s *session.Session, conn net.Conn, err error) {
	if !s.DetachHost(conn) {
		// already closed from the WebSocket side
		return
	}
	_ = conn.Close()
	if errors.Is(err, io.EOF) {
		obs.Info("tcp.closed", obs.Fields{"session": s.ID})
		s.CloseClient(proto.CloseNormal, "")
	} else {
		obs.Error("tcp.error", obs.Fields{"session": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("tcp").Inc()
		reason := err.Error()
		if reason == "" {
			reason = "tcp error"
		}
		s.CloseClient(proto.CloseInternalError, reason)
	}
	b.registry.Remove(s.ID)
}

// Write forwards browser bytes to the host.
func (b *Bridge) Write(s *session.Session, data []byte) error {
	if b.dump && obs.DebugEnabled() {
		obs.Debug("tcp.outbound", obs.Fields{"session": s.ID, "dump": ebcdic.Dump(fmt.Sprintf("#%d gateway -> host", s.ID), data)})
	}
	if err := s.SendToHost(data); err != nil {
		return err
	}
	obs.BytesTotal.WithLabelValues("client_to_host").Add(float64(len(data)))
	return nil
}

// Disconnect is the WebSocket side's teardown: the host connection is closed
// at most once and the session evicted.
func (b *Bridge) Disconnect(s *session.Session) {
	if s.CloseHost() {
		obs.Info("tcp.disconnect", obs.Fields{"session": s.ID})
	}
	b.registry.Remove(s.ID)
}
