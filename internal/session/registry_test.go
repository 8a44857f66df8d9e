package session

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeClient struct {
	mu       sync.Mutex
	frames   [][]byte
	controls [][]byte
	closed   int
}

func (f *fakeClient) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return websocket.ErrCloseSent
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) WriteControl(mt int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type memMirror struct {
	mu   sync.Mutex
	recs map[uint64]proto.SessionRecord
}

func (m *memMirror) Put(_ context.Context, rec proto.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memMirror) Delete(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memMirror) List(context.Context) ([]proto.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proto.SessionRecord
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memMirror) Close() error { return nil }

func TestRegistry(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		r := NewRegistry("test")

		Convey("Create assigns increasing IDs starting at 1", func() {
			a, err := r.Create("mvs.example", "3270", "127.0.0.1")
			So(err, ShouldBeNil)
			b, err := r.Create("mvs.example", "3270", "127.0.0.1")
			So(err, ShouldBeNil)
			So(a.ID, ShouldEqual, uint64(1))
			So(b.ID, ShouldEqual, uint64(2))
			So(a.Host, ShouldEqual, "mvs.example")
			So(a.Port, ShouldEqual, "3270")
			So(r.Len(), ShouldEqual, 2)
		})

		Convey("Concurrent creates get distinct IDs", func() {
			const n = 64
			ids := make([]uint64, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					s, err := r.Create("h", "23", "127.0.0.1")
					if err == nil {
						ids[i] = s.ID
					}
				}(i)
			}
			wg.Wait()
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for i, id := range ids {
				So(id, ShouldEqual, uint64(i+1))
			}
		})

		Convey("Get of an unknown ID reports absent", func() {
			s, ok := r.Get(42)
			So(ok, ShouldBeFalse)
			So(s, ShouldBeNil)
		})

		Convey("Remove is idempotent and never resurrects", func() {
			s, _ := r.Create("h", "23", "127.0.0.1")
			r.Remove(s.ID)
			r.Remove(s.ID)
			r.Remove(999)
			_, ok := r.Get(s.ID)
			So(ok, ShouldBeFalse)
			next, _ := r.Create("h", "23", "127.0.0.1")
			So(next.ID, ShouldEqual, s.ID+1)
		})

		Convey("Remove detaches and closes both endpoints", func() {
			s, _ := r.Create("h", "23", "127.0.0.1")
			client := &fakeClient{}
			hostEnd, peer := net.Pipe()
			defer peer.Close()
			So(s.AttachClient(client), ShouldBeNil)
			So(s.AttachHost(hostEnd), ShouldBeNil)

			r.Remove(s.ID)
			So(s.HasClient(), ShouldBeFalse)
			So(s.HasHost(), ShouldBeFalse)
			So(client.closed, ShouldEqual, 1)
			So(errors.Is(s.SendToClient([]byte{1}), ErrClosed), ShouldBeTrue)
			So(errors.Is(s.SendToHost([]byte{1}), ErrClosed), ShouldBeTrue)
			So(s.CloseClient(proto.CloseNormal, ""), ShouldBeFalse)
			So(s.CloseHost(), ShouldBeFalse)
		})

		Convey("Create is refused while closing", func() {
			r.SetClosing(true)
			_, err := r.Create("h", "23", "127.0.0.1")
			So(err, ShouldEqual, ErrClosing)
		})

		Convey("CloseAll sends going-away and empties the registry", func() {
			clients := []*fakeClient{{}, {}}
			for _, c := range clients {
				s, _ := r.Create("h", "23", "127.0.0.1")
				So(s.AttachClient(c), ShouldBeNil)
			}
			So(r.CloseAll(), ShouldEqual, 2)
			So(r.Len(), ShouldEqual, 0)
			for _, c := range clients {
				So(len(c.controls), ShouldEqual, 1)
				So(c.controls[0][:2], ShouldResemble, []byte{0x03, 0xe9})
				So(c.closed, ShouldEqual, 1)
			}
		})

		Convey("A mirror follows the session lifecycle", func() {
			m := &memMirror{recs: map[uint64]proto.SessionRecord{}}
			r.SetMirror(m)
			s, _ := r.Create("h", "23", "127.0.0.1")
			recs := r.AllRecords(context.Background())
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Instance, ShouldEqual, "test")
			r.Remove(s.ID)
			So(len(m.recs), ShouldEqual, 0)
		})

		Convey("Stats count live, total and failures", func() {
			a, _ := r.Create("h", "23", "127.0.0.1")
			r.Create("h", "23", "127.0.0.1")
			r.Remove(a.ID)
			r.CountFailure()
			live, total, failures := r.Stats()
			So(live, ShouldEqual, 1)
			So(total, ShouldEqual, uint64(2))
			So(failures, ShouldEqual, int64(1))
		})
	})
}

func TestSessionEndpoints(t *testing.T) {
	Convey("Given a session", t, func() {
		s := &Session{ID: 7, Host: "h", Port: "23"}

		Convey("Only one client and one host may be attached", func() {
			So(s.AttachClient(&fakeClient{}), ShouldBeNil)
			So(s.AttachClient(&fakeClient{}), ShouldEqual, ErrAlreadyAttached)
			a, b := net.Pipe()
			defer b.Close()
			c, d := net.Pipe()
			defer c.Close()
			defer d.Close()
			So(s.AttachHost(a), ShouldBeNil)
			So(s.AttachHost(c), ShouldEqual, ErrAlreadyAttached)
		})

		Convey("CloseClient sends the close frame exactly once", func() {
			client := &fakeClient{}
			So(s.AttachClient(client), ShouldBeNil)
			So(s.CloseClient(proto.CloseInternalError, "connection reset"), ShouldBeTrue)
			So(s.CloseClient(proto.CloseNormal, ""), ShouldBeFalse)
			So(len(client.controls), ShouldEqual, 1)
			So(client.controls[0][:2], ShouldResemble, []byte{0x03, 0xf3})
			So(string(client.controls[0][2:]), ShouldEqual, "connection reset")
			So(client.closed, ShouldEqual, 1)
		})

		Convey("A long close reason is cut on a rune boundary", func() {
			client := &fakeClient{}
			So(s.AttachClient(client), ShouldBeNil)
			reason := "dial tcp: lookup x" + strings.Repeat("é", 60) + ": no such host"
			So(s.CloseClient(proto.CloseInternalError, reason), ShouldBeTrue)
			So(len(client.controls), ShouldEqual, 1)
			got := client.controls[0][2:]
			So(len(got), ShouldBeLessThanOrEqualTo, 123)
			So(len(got), ShouldBeGreaterThan, 0)
			So(utf8.Valid(got), ShouldBeTrue)
			So(strings.HasPrefix(reason, string(got)), ShouldBeTrue)
		})

		Convey("SendToClient counts bytes", func() {
			client := &fakeClient{}
			So(s.AttachClient(client), ShouldBeNil)
			So(s.SendToClient([]byte{0xf5, 0xc3}), ShouldBeNil)
			in, _ := s.Bytes()
			So(in, ShouldEqual, int64(2))
			So(client.frames, ShouldResemble, [][]byte{{0xf5, 0xc3}})
		})

		Convey("DetachHost only succeeds for the attached connection", func() {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			So(s.DetachHost(a), ShouldBeFalse)
			So(s.AttachHost(a), ShouldBeNil)
			So(s.DetachHost(b), ShouldBeFalse)
			So(s.DetachHost(a), ShouldBeTrue)
			So(s.HasHost(), ShouldBeFalse)
		})
	})
}
