// Package dchat is the real-time chat and presence core of the dating app
// client: one WebSocket to the chat server, presence, per-room message
// history with optimistic sends, the conversation list with unread counters
// and the received/read handshake.
//
// Example:
//
//	api := dchat.NewAPIClient("https://app.example.com", dchat.WithToken(token))
//	session := dchat.NewTokenSession(token, api.RefreshToken)
//	chat := dchat.New(dchat.DefaultConfig("wss://chat.example.com/ws"), session, api, api)
//
//	chat.On(dchat.ObserveMessagesChanged, func(_ string, v any) { render(v.([]dchat.ChatMessage)) })
//	_ = chat.Start(ctx)
//	defer chat.Close(ctx)
//
//	_ = chat.LoadRooms(ctx, 1)
//	_ = chat.OpenRoom(ctx, "room-1")
//	msg, _ := chat.Send(ctx, "hello")
package dchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const handlerWriteTimeout = 5 * time.Second

// Chat wires the connection manager, presence tracker, message channel, room
// list and delivery protocol together. Each component owns its own state;
// Chat only routes events and user actions between them.
type Chat struct {
	cfg      *Config
	log      zerolog.Logger
	metrics  *Metrics
	emitter  *Emitter
	session  SessionProvider
	conn     *ConnManager
	presence *PresenceTracker
	channel  *MessageChannel
	rooms    *RoomList
	delivery *deliveryProtocol

	selfMu sync.RWMutex
	selfID string
}

// New builds a Chat. store and dir may be nil when history and the room list
// are not needed (for example in a presence-only client).
func New(cfg *Config, session SessionProvider, store MessageStore, dir RoomDirectory) *Chat {
	c := copyConfig(cfg)
	if session == nil {
		session = NewTokenSession("", nil)
	}
	ch := &Chat{
		cfg:     c,
		log:     c.Logger.With().Str("component", "chat").Logger(),
		metrics: newMetrics(c.Registerer),
		emitter: NewEmitter(),
		session: session,
	}
	reportObserverPanics(ch.emitter, ch.log, ch.metrics)
	ch.conn = newConnManager(c, session, ch.metrics, ch.emitter)
	ch.presence = NewPresenceTracker(ch.emitter)
	ch.rooms = NewRoomList(dir, ch.emitter)
	ch.channel = newMessageChannel(ch.conn, store, ch.rooms, ch.SelfID, ch.emitter, ch.metrics, c.Logger)
	ch.delivery = newDeliveryProtocol(ch.conn, ch.channel, ch.rooms, ch.SelfID, c.Logger)
	ch.subscribe()
	return ch
}

func (c *Chat) subscribe() {
	onErr := func(event string) func(error) {
		return func(err error) {
			c.metrics.EventsDropped.WithLabelValues("decode").Inc()
			c.log.Warn().Err(err).Str("event", event).Msg("bad payload")
		}
	}

	c.conn.Subscribe(EventNewMessage, decodeInto(c.handleNewMessage, onErr(EventNewMessage)))
	c.conn.Subscribe(EventOnlineStatuses, decodeInto(c.presence.ApplyInitialSnapshot, onErr(EventOnlineStatuses)))
	c.conn.Subscribe(EventUserStatus, decodeInto(c.presence.ApplyStatusChange, onErr(EventUserStatus)))
	c.conn.Subscribe(EventUserTyping, decodeInto(c.presence.ApplyTypingChange, onErr(EventUserTyping)))
	c.conn.Subscribe(EventMessageStatus, decodeInto(c.delivery.handleStatus, onErr(EventMessageStatus)))
	c.conn.Subscribe(EventMarkAllReceived, decodeInto(c.delivery.handleBulk, onErr(EventMarkAllReceived)))
	c.conn.Subscribe(EventNewMatch, decodeInto(c.handleNewMatch, onErr(EventNewMatch)))

	c.conn.OnConnect(c.handleConnect)
}

func (c *Chat) handleNewMessage(m ChatMessage) {
	if !c.channel.OnInboundMessage(m) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerWriteTimeout)
	defer cancel()
	c.delivery.acknowledgeDelivery(ctx, m)
}

func (c *Chat) handleNewMatch(p MatchPayload) {
	if p.RoomID == "" {
		return
	}
	participant := p.Participant
	c.rooms.BumpToTop(RoomUpdate{RoomID: p.RoomID, Participant: &participant})
	c.emitter.emit(ObserveNewMatch, p)
}

func (c *Chat) handleConnect(reconnect bool) {
	c.refreshSelf()

	ctx, cancel := context.WithTimeout(context.Background(), handlerWriteTimeout)
	c.delivery.rejoin(ctx)
	cancel()

	if reconnect && c.cfg.ResyncOnReconnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.httpTimeout())
			defer cancel()
			if err := c.channel.Resync(ctx, c.cfg.PageSize); err != nil {
				c.log.Warn().Err(err).Msg("resync after reconnect failed")
			}
		}()
	}
}

func (c *Chat) httpTimeout() time.Duration {
	if c.cfg.HTTPClient != nil && c.cfg.HTTPClient.Timeout > 0 {
		return c.cfg.HTTPClient.Timeout
	}
	return DefaultAPITimeout
}

// ============================================================================
// Identity
// ============================================================================

// SelfID returns the local user's id: the one set with SetSelfID, or else
// the subject of the current access token.
func (c *Chat) SelfID() string {
	c.selfMu.RLock()
	id := c.selfID
	c.selfMu.RUnlock()
	if id == "" {
		id = c.refreshSelf()
	}
	return id
}

// SetSelfID overrides the local user's id for tokens that are not JWTs.
func (c *Chat) SetSelfID(id string) {
	c.selfMu.Lock()
	c.selfID = id
	c.selfMu.Unlock()
}

func (c *Chat) refreshSelf() string {
	token := c.session.AccessToken()
	if token == "" {
		return ""
	}
	claims, err := ParseTokenClaims(token)
	if err != nil || claims.Subject == "" {
		return ""
	}
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	if c.selfID == "" {
		c.selfID = claims.Subject
	}
	return c.selfID
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start opens the real-time connection. It is a no-op when already started.
func (c *Chat) Start(ctx context.Context) error {
	return c.conn.Initialize(ctx)
}

// Close logs out and closes the connection. Local state is kept.
func (c *Chat) Close(ctx context.Context) error {
	return c.conn.Teardown(ctx)
}

// State returns the connection state.
func (c *Chat) State() ConnState {
	return c.conn.State()
}

// On registers an observer; see the Observe* constants. Observers triggered
// by inbound events run on the connection's read goroutine, so they must not
// wait on Request-based calls such as MarkRead.
func (c *Chat) On(event string, fn ObserverFunc) {
	c.emitter.On(event, fn)
}

// RemoveObservers drops every registered observer.
func (c *Chat) RemoveObservers() {
	c.emitter.removeAll()
}

// ============================================================================
// User actions
// ============================================================================

// OpenRoom makes roomID the active room, joins it on the server and loads its
// first page of history.
func (c *Chat) OpenRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoActiveRoom
	}
	c.channel.SetActiveRoom(roomID)
	c.rooms.SetActiveRoom(roomID)
	c.delivery.switchRoom(ctx, roomID)
	return c.channel.FetchPage(ctx, roomID, 1, c.cfg.PageSize)
}

// CloseRoom leaves the active room.
func (c *Chat) CloseRoom(ctx context.Context) {
	c.delivery.switchRoom(ctx, "")
	c.channel.SetActiveRoom("")
	c.rooms.SetActiveRoom("")
}

// Send sends content to the active room. See MessageChannel.Send.
func (c *Chat) Send(ctx context.Context, content string) (ChatMessage, error) {
	return c.channel.Send(ctx, content)
}

// Retry re-sends a pending message.
func (c *Chat) Retry(ctx context.Context, localID string) error {
	return c.channel.Retry(ctx, localID)
}

// MarkRead marks one message read.
func (c *Chat) MarkRead(ctx context.Context, messageID string) error {
	return c.channel.MarkRead(ctx, messageID)
}

// MarkVisibleRead marks every unread inbound message of the active room read.
func (c *Chat) MarkVisibleRead(ctx context.Context) error {
	return c.delivery.markVisibleRead(ctx)
}

// StartTyping tells the active room's participants the user is typing.
func (c *Chat) StartTyping(ctx context.Context) error {
	return c.emitTyping(ctx, EventTyping)
}

// StopTyping clears the typing indicator.
func (c *Chat) StopTyping(ctx context.Context) error {
	return c.emitTyping(ctx, EventStopTyping)
}

func (c *Chat) emitTyping(ctx context.Context, event string) error {
	room := c.channel.ActiveRoom()
	if room == "" {
		return ErrNoActiveRoom
	}
	if !c.conn.Emit(ctx, event, roomRef{RoomID: room}, nil) {
		return ErrNotConnected
	}
	return nil
}

// LoadMore loads the next page of the active room's history.
func (c *Chat) LoadMore(ctx context.Context) error {
	return c.channel.LoadMore(ctx, c.cfg.PageSize)
}

// LoadRooms loads one page of the conversation list.
func (c *Chat) LoadRooms(ctx context.Context, pageNo int) error {
	return c.rooms.LoadPage(ctx, pageNo, c.cfg.PageSize)
}

// LoadMoreRooms loads the next page of the conversation list.
func (c *Chat) LoadMoreRooms(ctx context.Context) error {
	return c.rooms.LoadMore(ctx, c.cfg.PageSize)
}

// ============================================================================
// Components
// ============================================================================

func (c *Chat) Conn() *ConnManager { return c.conn }
func (c *Chat) Presence() *PresenceTracker { return c.presence }
func (c *Chat) Channel() *MessageChannel { return c.channel }
func (c *Chat) Rooms() *RoomList { return c.rooms }
func (c *Chat) Metrics() *Metrics { return c.metrics }
func (c *Chat) Session() SessionProvider { return c.session }
