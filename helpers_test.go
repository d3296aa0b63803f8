package dchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Fake transport
// ============================================================================

type emitted struct {
	event   string
	payload any
}

// fakeOutbound records outbound events. With reply set, acknowledgements are
// answered synchronously; otherwise they are parked in acks for the test to
// resolve.
type fakeOutbound struct {
	mu        sync.Mutex
	connected bool
	events    []emitted
	acks      []AckFunc
	reply     func(event string, payload any) (json.RawMessage, error)
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{connected: true}
}

func (f *fakeOutbound) Emit(ctx context.Context, event string, payload any, ack AckFunc) bool {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		if ack != nil {
			ack(nil, ErrNotConnected)
		}
		return false
	}
	f.events = append(f.events, emitted{event, payload})
	reply := f.reply
	if ack != nil && reply == nil {
		f.acks = append(f.acks, ack)
	}
	f.mu.Unlock()

	if ack != nil && reply != nil {
		raw, err := reply(event, payload)
		ack(raw, err)
	}
	return true
}

func (f *fakeOutbound) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ch := make(chan struct {
		raw json.RawMessage
		err error
	}, 1)
	f.Emit(ctx, event, payload, func(raw json.RawMessage, err error) {
		ch <- struct {
			raw json.RawMessage
			err error
		}{raw, err}
	})
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeOutbound) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func (f *fakeOutbound) sent(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// popAck removes and returns the oldest parked acknowledgement.
func (f *fakeOutbound) popAck(t *testing.T) AckFunc {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.acks, "no acknowledgement waiting")
	ack := f.acks[0]
	f.acks = f.acks[1:]
	return ack
}

// ackWithID answers sendMessage with a server copy carrying id.
func ackWithID(id string) func(string, any) (json.RawMessage, error) {
	return func(event string, payload any) (json.RawMessage, error) {
		if event != EventSendMessage {
			return json.RawMessage(`{}`), nil
		}
		p := payload.(sendMessagePayload)
		return mustJSON(ChatMessage{ID: id, RoomID: p.RoomID, SenderID: "me", Content: p.Content,
			CreatedAt: time.Now().UTC()}), nil
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// ============================================================================
// Fake collaborators
// ============================================================================

type storeFunc func(ctx context.Context, roomID string, pageNo, pageSize int) ([]ChatMessage, error)

func (f storeFunc) FetchMessages(ctx context.Context, roomID string, pageNo, pageSize int) ([]ChatMessage, error) {
	return f(ctx, roomID, pageNo, pageSize)
}

type dirFunc func(ctx context.Context, pageNo, pageSize int) ([]ChatRoom, error)

func (f dirFunc) FetchRooms(ctx context.Context, pageNo, pageSize int) ([]ChatRoom, error) {
	return f(ctx, pageNo, pageSize)
}

// staticStore serves fixed pages per room.
func staticStore(pages map[string][][]ChatMessage) storeFunc {
	return func(_ context.Context, roomID string, pageNo, _ int) ([]ChatMessage, error) {
		p := pages[roomID]
		if pageNo < 1 || pageNo > len(p) {
			return nil, nil
		}
		return p[pageNo-1], nil
	}
}

func at(minute int) time.Time {
	return time.Date(2026, 1, 1, 12, minute, 0, 0, time.UTC)
}

func msg(id, room, sender string, minute int) ChatMessage {
	return ChatMessage{ID: id, RoomID: room, SenderID: sender, Content: "text " + id, CreatedAt: at(minute)}
}

// recorder collects observer notifications.
type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func record(e *Emitter, names ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, n := range names {
		e.On(n, func(event string, payload any) {
			r.mu.Lock()
			r.events[event] = append(r.events[event], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) get(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[name]...)
}

type channelFixture struct {
	out     *fakeOutbound
	emitter *Emitter
	rooms   *RoomList
	channel *MessageChannel
	metrics *Metrics
}

func newChannelFixture(store MessageStore) *channelFixture {
	f := &channelFixture{
		out:     newFakeOutbound(),
		emitter: NewEmitter(),
		metrics: newMetrics(prometheus.NewRegistry()),
	}
	f.rooms = NewRoomList(nil, f.emitter)
	f.channel = newMessageChannel(f.out, store, f.rooms, func() string { return "me" },
		f.emitter, f.metrics, zerolog.Nop())
	return f
}

// ============================================================================
// Fake real-time server
// ============================================================================

type serverConn struct {
	conn   *websocket.Conn
	token  string
	frames chan Envelope
}

func (c *serverConn) send(t *testing.T, event string, payload any) {
	t.Helper()
	env := Envelope{Type: event}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c.conn, env))
}

// next returns the next frame of type event, skipping others.
func (c *serverConn) next(t *testing.T, event string) Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.frames:
			require.True(t, ok, "connection closed while waiting for %s", event)
			if env.Type == event {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s frame received", event)
		}
	}
}

func (c *serverConn) ack(t *testing.T, requestID string, ok bool, payload any, errMsg string) {
	t.Helper()
	a := AckPayload{RequestID: requestID, OK: ok, Error: errMsg}
	if payload != nil {
		a.Payload = mustJSON(payload)
	}
	c.send(t, EventAck, a)
}

type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn
	stop  chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	return newWSServerWith(t, nil)
}

// newWSServerWith runs beforeAccept with the 1-based upgrade number before
// each upgrade, letting a test hold a particular dial in flight.
func newWSServerWith(t *testing.T, beforeAccept func(n int)) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 8), stop: make(chan struct{})}
	var upgrades atomic.Int32
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if beforeAccept != nil {
			beforeAccept(int(upgrades.Add(1)))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, token: r.URL.Query().Get("token"), frames: make(chan Envelope, 64)}
		go func() {
			defer close(sc.frames)
			for {
				var env Envelope
				if err := wsjson.Read(context.Background(), conn, &env); err != nil {
					return
				}
				sc.frames <- env
			}
		}()
		s.conns <- sc
		<-s.stop
	}))
	t.Cleanup(func() {
		close(s.stop)
		s.srv.Close()
	})
	return s
}

func (s *wsServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func testConfig(serverURL string) *Config {
	c := DefaultConfig(serverURL)
	c.HeartbeatInterval = time.Hour
	c.ReconnectBaseDelay = 10 * time.Millisecond
	c.ReconnectMaxDelay = 10 * time.Millisecond
	c.AuthRetryDelay = 10 * time.Millisecond
	c.AckTimeout = 2 * time.Second
	return c
}
