package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/pkg/errors"
)

var (
	ErrClosed          = errors.New("session: endpoint closed")
	ErrAlreadyAttached = errors.New("session: endpoint already attached")
	ErrClosing         = errors.New("session: registry closing")
)

// closeWriteWait bounds how long a close frame may block.
const closeWriteWait = time.Second

// ClientConn is the browser end of a session. *websocket.Conn satisfies it.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session pairs one WebSocket with one TCP connection to a 3270 host.
type Session struct {
	ID      uint64
	Host    string
	Port    string
	Remote  string
	Created time.Time

	mu     sync.Mutex // guards client, host and model
	client ClientConn
	host   net.Conn
	model  string

	// writes to each endpoint are serialized
	clientMu sync.Mutex
	hostMu   sync.Mutex

	bytesIn  atomic.Int64 // host -> client
	bytesOut atomic.Int64 // client -> host
}

// Addr is the host:port to dial.
func (s *Session) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

// AttachClient stores the WebSocket. A session owns at most one.
func (s *Session) AttachClient(c ClientConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return ErrAlreadyAttached
	}
	s.client = c
	return nil
}

// AttachHost stores the TCP connection. A session owns at most one.
func (s *Session) AttachHost(c net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != nil {
		return ErrAlreadyAttached
	}
	s.host = c
	return nil
}

// HasClient reports whether the WebSocket is still attached.
func (s *Session) HasClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// HasHost reports whether the TCP connection is still attached.
func (s *Session) HasHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host != nil
}

// SendToClient writes data to the browser as one binary frame.
func (s *Session) SendToClient(data []byte) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	s.clientMu.Lock()
	err := c.WriteMessage(websocket.BinaryMessage, data)
	s.clientMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "session %d: write to client", s.ID)
	}
	s.bytesIn.Add(int64(len(data)))
	return nil
}

// SendToHost writes data to the 3270 host.
func (s *Session) SendToHost(data []byte) error {
	s.mu.Lock()
	h := s.host
	s.mu.Unlock()
	if h == nil {
		return ErrClosed
	}
	s.hostMu.Lock()
	_, err := h.Write(data)
	s.hostMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "session %d: write to host", s.ID)
	}
	s.bytesOut.Add(int64(len(data)))
	return nil
}

// Ping sends a keepalive ping to the browser.
func (s *Session) Ping() error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteWait))
}

// CloseClient sends a close frame with code and reason, then closes the
// WebSocket. Only the first call has any effect.
func (s *Session) CloseClient(code int, reason string) bool {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return false
	}
	reason = closeReason(reason)
	s.clientMu.Lock()
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteWait))
	s.clientMu.Unlock()
	_ = c.Close()
	return true
}

// closeReason cuts reason to fit a control frame (125 bytes less the code)
// without splitting a UTF-8 sequence.
func closeReason(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	n := limit
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// CloseHost closes the TCP connection. Only the first call has any effect.
func (s *Session) CloseHost() bool {
	s.mu.Lock()
	h := s.host
	s.host = nil
	s.mu.Unlock()
	if h == nil {
		return false
	}
	_ = h.Close()
	return true
}

// DetachHost clears the host handle if it is still c. The caller then owns
// closing c; false means another party already took it.
func (s *Session) DetachHost(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != c || c == nil {
		return false
	}
	s.host = nil
	return true
}

// detach clears both handles and returns whatever was still attached.
func (s *Session) detach() (ClientConn, net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, h := s.client, s.host
	s.client, s.host = nil, nil
	return c, h
}

// Bytes returns the counts relayed host->client and client->host.
func (s *Session) Bytes() (in, out int64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

// Record is the serializable view of the session.
func (s *Session) Record() proto.SessionRecord {
	in, out := s.Bytes()
	return proto.SessionRecord{
		ID:       s.ID,
		Host:     s.Host,
		Port:     s.Port,
		Model:    s.Model(),
		Remote:   s.Remote,
		Created:  s.Created,
		BytesIn:  in,
		BytesOut: out,
	}
}
