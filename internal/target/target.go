package target

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/pkg/errors"
)

var (
	ErrMissing    = errors.New("host and port query parameters are required")
	ErrBadPort    = errors.New("port must be a number between 1 and 65535")
	ErrNotAllowed = errors.New("target not allowed")
)

// Parse extracts the 3270 host and port from upgrade query parameters.
func Parse(q url.Values) (host, port string, err error) {
	host = strings.TrimSpace(q.Get(proto.ParamHost))
	port = strings.TrimSpace(q.Get(proto.ParamPort))
	if host == "" || port == "" {
		return "", "", ErrMissing
	}
	// tolerate [::1] style literals
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", ErrBadPort
	}
	return host, strconv.Itoa(n), nil
}

type pattern struct{ host, port string }

// Allowlist restricts which host:port targets may be dialed. An empty list
// allows everything. Either side of a pattern may be "*".
type Allowlist struct {
	patterns []pattern
}

// NewAllowlist parses entries such as "mvs.example.com:23", "*:3270" or
// "tk5.local:*".
func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		h, p, err := net.SplitHostPort(e)
		if err != nil {
			return nil, errors.Wrapf(err, "bad allowlist entry %q", e)
		}
		a.patterns = append(a.patterns, pattern{host: strings.ToLower(h), port: p})
	}
	return a, nil
}

// Len is the number of patterns.
func (a *Allowlist) Len() int { return len(a.patterns) }

// Check returns ErrNotAllowed unless host:port matches a pattern.
func (a *Allowlist) Check(host, port string) error {
	if a == nil || len(a.patterns) == 0 {
		return nil
	}
	h := strings.ToLower(host)
	for _, p := range a.patterns {
		if (p.host == "*" || p.host == h) && (p.port == "*" || p.port == port) {
			return nil
		}
	}
	return errors.Wrapf(ErrNotAllowed, "%s", net.JoinHostPort(host, port))
}
