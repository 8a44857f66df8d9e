package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/proto"
)

// Mirror receives session lifecycle events, e.g. to share them with other
// gateway instances.
type Mirror interface {
	Put(ctx context.Context, rec proto.SessionRecord) error
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context) ([]proto.SessionRecord, error)
	Close() error
}

const mirrorTimeout = 2 * time.Second

// Registry is the table of live sessions, keyed by ID.
type Registry struct {
	mu       sync.Mutex
	next     uint64
	sessions map[uint64]*Session
	closing  bool
	ready    bool
	failures int64
	instance string
	mirror   Mirror
}

func NewRegistry(instance string) *Registry {
	return &Registry{sessions: make(map[uint64]*Session), instance: instance}
}

// SetMirror must be called before the first Create.
func (r *Registry) SetMirror(m Mirror) { r.mirror = m }

func (r *Registry) Instance() string { return r.instance }

func (r *Registry) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *Registry) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Registry) Closing() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *Registry) Ready() bool             { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

// Create allocates the next session ID and stores a session with no
// endpoints attached. remote is the client address, for logs only.
func (r *Registry) Create(host, port, remote string) (*Session, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, ErrClosing
	}
	r.next++
	s := &Session{ID: r.next, Host: host, Port: port, Remote: remote, Created: time.Now()}
	r.sessions[s.ID] = s
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	obs.SessionsTotal.Inc()
	r.mirrorPut(s)
	return s, nil
}

// Get returns the session for id. A miss means the session is already gone.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts a session. Both endpoints are detached before eviction and
// any still attached are closed. Removing an absent ID is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	c, h := s.detach()
	delete(r.sessions, id)
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	if c != nil {
		_ = c.Close()
	}
	age := time.Since(s.Created)
	obs.SessionDurationSeconds.Observe(age.Seconds())
	in, out := s.Bytes()
	obs.Info("session.removed", obs.Fields{
		"session":  id,
		"duration": age.String(),
		"in":       sizestr.ToString(in),
		"out":      sizestr.ToString(out),
	})
	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.Delete(ctx, id); err != nil {
			obs.Error("mirror.delete", obs.Fields{"session": id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("mirror").Inc()
		}
	}
}

// Touch republishes a session to the mirror after its model or counters change.
func (r *Registry) Touch(s *Session) { r.mirrorPut(s) }

func (r *Registry) mirrorPut(s *Session) {
	if r.mirror == nil {
		return
	}
	rec := s.Record()
	rec.Instance = r.instance
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Put(ctx, rec); err != nil {
		obs.Error("mirror.put", obs.Fields{"session": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
	}
}

// Range calls fn for a snapshot of the sessions, in ID order, until fn
// returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountFailure records a failed dial.
func (r *Registry) CountFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
	obs.ConnectFailuresTotal.Inc()
}

// Stats returns live sessions, sessions ever created and failed dials.
func (r *Registry) Stats() (live int, total uint64, failures int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), r.next, r.failures
}

// Records returns the local sessions in ID order.
func (r *Registry) Records() []proto.SessionRecord {
	list := r.snapshot()
	out := make([]proto.SessionRecord, 0, len(list))
	for _, s := range list {
		rec := s.Record()
		rec.Instance = r.instance
		out = append(out, rec)
	}
	return out
}

// AllRecords returns the sessions of every instance when a mirror is
// configured, else the local ones.
func (r *Registry) AllRecords(ctx context.Context) []proto.SessionRecord {
	if r.mirror == nil {
		return r.Records()
	}
	recs, err := r.mirror.List(ctx)
	if err != nil {
		obs.Error("mirror.list", obs.Fields{"err": err.Error()})
		return r.Records()
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Instance != recs[j].Instance {
			return recs[i].Instance < recs[j].Instance
		}
		return recs[i].ID < recs[j].ID
	})
	return recs
}

// CloseAll tears every session down on shutdown and returns how many there were.
func (r *Registry) CloseAll() int {
	list := r.snapshot()
	for _, s := range list {
		obs.Info("session.shutdown", obs.Fields{"session": s.ID})
		s.CloseHost()
		s.CloseClient(proto.CloseGoingAway, "gateway shutting down")
		r.Remove(s.ID)
	}
	return len(list)
}
