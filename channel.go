package dchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// outbound is the part of ConnManager the message channel sends through.
type outbound interface {
	Emit(ctx context.Context, event string, payload any, ack AckFunc) bool
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

const inboundMemory = 1024

// MessageFailure is emitted to observers when an outgoing message was not
// acknowledged. The message stays pending until Retry succeeds.
type MessageFailure struct {
	LocalID string
	RoomID  string
	Err     error
}

// MessageChannel holds the active room's message history and runs the
// per-message delivery state machine.
type MessageChannel struct {
	out     outbound
	store   MessageStore
	rooms   *RoomList
	self    func() string
	emitter *Emitter
	metrics *Metrics
	log     zerolog.Logger
	ids     localIDs
	reads   singleflight.Group

	mu       sync.Mutex
	room     string
	messages []*ChatMessage
	byID     map[string]*ChatMessage
	page     int
	hasMore  bool
	seen     *recentIDs
}

func newMessageChannel(out outbound, store MessageStore, rooms *RoomList, self func() string,
	emitter *Emitter, metrics *Metrics, log zerolog.Logger) *MessageChannel {
	if self == nil {
		self = func() string { return "" }
	}
	return &MessageChannel{
		out:     out,
		store:   store,
		rooms:   rooms,
		self:    self,
		emitter: emitter,
		metrics: metrics,
		log:     log.With().Str("component", "channel").Logger(),
		byID:    make(map[string]*ChatMessage),
		hasMore: true,
		seen:    newRecentIDs(inboundMemory),
	}
}

// SetActiveRoom switches the held history to roomID. Switching to a different
// room drops the previous history and resets the page cursor.
func (c *MessageChannel) SetActiveRoom(roomID string) {
	c.mu.Lock()
	if c.room == roomID {
		c.mu.Unlock()
		return
	}
	c.room = roomID
	c.messages = nil
	c.byID = make(map[string]*ChatMessage)
	c.page = 0
	c.hasMore = true
	c.mu.Unlock()
	c.changed()
}

// ActiveRoom returns the room whose history is held, or "".
func (c *MessageChannel) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// FetchPage loads one page of roomID's history from the store and merges it
// into the held history without duplicating ids. A response that completes
// after the user switched to another room is discarded. On error the held
// history is left untouched.
//
// HasMore becomes len(page) >= pageSize: a full page suggests more may exist,
// a short page signals the end. This is a heuristic, not a cursor guarantee.
func (c *MessageChannel) FetchPage(ctx context.Context, roomID string, pageNo, pageSize int) error {
	if c.store == nil {
		return errors.New("fetch messages: no message store configured")
	}
	fetched, err := c.store.FetchMessages(ctx, roomID, pageNo, pageSize)
	if err != nil {
		return fmt.Errorf("fetch messages for room %s page %d: %w", roomID, pageNo, err)
	}

	c.mu.Lock()
	if c.room != roomID {
		c.mu.Unlock()
		c.log.Debug().Str("room", roomID).Int("page", pageNo).Msg("discarding page for inactive room")
		return nil
	}
	for i := range fetched {
		m := fetched[i]
		if m.ID == "" {
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if existing, ok := c.byID[m.ID]; ok {
			if m.Read {
				existing.markRead()
			} else if m.Received {
				existing.markReceived()
			}
			continue
		}
		m.Pending = false
		c.insertLocked(&m)
	}
	c.sortLocked()
	// A refetch of an earlier page says nothing about the end of history.
	if pageNo >= c.page {
		c.page = pageNo
		c.hasMore = len(fetched) >= pageSize
	}
	c.mu.Unlock()

	c.changed()
	return nil
}

// LoadMore fetches the next page of the active room.
func (c *MessageChannel) LoadMore(ctx context.Context, pageSize int) error {
	c.mu.Lock()
	room, next := c.room, c.page+1
	c.mu.Unlock()
	if room == "" {
		return ErrNoActiveRoom
	}
	return c.FetchPage(ctx, room, next, pageSize)
}

// Send appends an optimistic pending message to the active room and hands it
// to the transport. The returned copy carries the temporary id. When the
// server acknowledges, the temporary id is replaced by the server's; when it
// does not, the message stays pending and a MessageFailure is emitted.
func (c *MessageChannel) Send(ctx context.Context, content string) (ChatMessage, error) {
	c.mu.Lock()
	room := c.room
	if room == "" {
		c.mu.Unlock()
		return ChatMessage{}, ErrNoActiveRoom
	}
	id := c.ids.next()
	msg := &ChatMessage{
		ID:        id,
		LocalID:   id,
		RoomID:    room,
		SenderID:  c.self(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Pending:   true,
	}
	c.insertLocked(msg)
	snapshot := *msg
	c.mu.Unlock()

	c.changed()
	if c.rooms != nil {
		c.rooms.BumpToTop(RoomUpdate{RoomID: room, LastMessage: &snapshot})
	}
	c.dispatchSend(ctx, snapshot)
	return snapshot, nil
}

// Retry re-sends a message that is still pending. Sends are never retried
// automatically.
func (c *MessageChannel) Retry(ctx context.Context, localID string) error {
	c.mu.Lock()
	msg, ok := c.byID[localID]
	if !ok || !msg.Pending {
		c.mu.Unlock()
		return fmt.Errorf("retry %s: %w", localID, ErrUnknownMessage)
	}
	snapshot := *msg
	c.mu.Unlock()

	if !c.dispatchSend(ctx, snapshot) {
		return ErrNotConnected
	}
	return nil
}

func (c *MessageChannel) dispatchSend(ctx context.Context, msg ChatMessage) bool {
	payload := sendMessagePayload{RoomID: msg.RoomID, Content: msg.Content, LocalID: msg.LocalID}
	sent := c.out.Emit(ctx, EventSendMessage, payload, func(raw json.RawMessage, err error) {
		c.onSendAck(msg.LocalID, msg.RoomID, raw, err)
	})
	if sent {
		c.metrics.MessagesSent.Inc()
	}
	return sent
}

func (c *MessageChannel) onSendAck(localID, roomID string, raw json.RawMessage, err error) {
	var srv ChatMessage
	if err == nil {
		if derr := json.Unmarshal(raw, &srv); derr != nil || srv.ID == "" {
			err = fmt.Errorf("%w: acknowledgement without message id", ErrRejected)
		}
	}
	if err != nil {
		c.metrics.MessagesFailed.Inc()
		c.log.Warn().Err(err).Str("local_id", localID).Msg("message left pending")
		c.emitter.emit(ObserveMessageFailed, MessageFailure{LocalID: localID, RoomID: roomID, Err: err})
		return
	}
	c.metrics.MessagesAcked.Inc()

	srv.LocalID = localID
	if srv.RoomID == "" {
		srv.RoomID = roomID
	}

	c.mu.Lock()
	reconciled, ok := c.reconcileLocked(localID, srv)
	c.mu.Unlock()
	if !ok {
		// History was switched away; the room list still shows the temporary id.
		reconciled = srv
		reconciled.Pending = false
	} else {
		c.changed()
	}
	if c.rooms != nil {
		c.rooms.ReplaceLastMessage(roomID, localID, reconciled)
	}
}

// reconcileLocked replaces the pending message localID with the server's
// copy. If the server copy is already held (its echo arrived first) the
// pending entry is folded into it. c.mu must be held.
func (c *MessageChannel) reconcileLocked(localID string, srv ChatMessage) (ChatMessage, bool) {
	pending, ok := c.byID[localID]
	if !ok {
		if existing, held := c.byID[srv.ID]; held {
			return *existing, true
		}
		return ChatMessage{}, false
	}

	if existing, held := c.byID[srv.ID]; held && existing != pending {
		existing.Pending = false
		existing.LocalID = localID
		c.removeLocked(localID)
		return *existing, true
	}

	delete(c.byID, localID)
	pending.ID = srv.ID
	pending.Pending = false
	if !srv.CreatedAt.IsZero() {
		pending.CreatedAt = srv.CreatedAt
	}
	if !srv.UpdatedAt.IsZero() {
		pending.UpdatedAt = srv.UpdatedAt
	}
	if srv.SenderID != "" {
		pending.SenderID = srv.SenderID
	}
	if srv.Read {
		pending.markRead()
	} else if srv.Received {
		pending.markReceived()
	}
	c.byID[srv.ID] = pending
	c.sortLocked()
	return *pending, true
}

// OnInboundMessage applies a newMessage event. The message joins the held
// history only when its room is active; delivering the same id twice is a
// no-op. Every new message bumps its room, counting it unread when it came
// from someone else and the room is not active. It reports whether the
// message was new.
func (c *MessageChannel) OnInboundMessage(m ChatMessage) bool {
	if m.ID == "" || m.RoomID == "" {
		c.metrics.EventsDropped.WithLabelValues("invalid").Inc()
		return false
	}
	c.metrics.MessagesInbound.Inc()
	m.Pending = false

	c.mu.Lock()
	if !c.seen.add(m.ID) {
		c.mu.Unlock()
		c.metrics.DuplicateInbound.Inc()
		return false
	}
	changed := false
	if m.RoomID == c.room {
		if _, held := c.byID[m.ID]; !held {
			if m.LocalID != "" {
				_, changed = c.reconcileLocked(m.LocalID, m)
			}
			if !changed {
				msg := m
				c.insertLocked(&msg)
				c.sortLocked()
				changed = true
			}
		}
	}
	c.mu.Unlock()

	if changed {
		c.changed()
	}
	fromOther := m.SenderID == "" || m.SenderID != c.self()
	if c.rooms != nil {
		c.rooms.BumpToTop(RoomUpdate{RoomID: m.RoomID, LastMessage: &m, CountUnread: fromOther})
	}
	return true
}

// MarkRead tells the server the local user read messageID. Concurrent calls
// for the same message share one request. On acknowledgement the message is
// flagged read and its room's unread counter goes down by one.
func (c *MessageChannel) MarkRead(ctx context.Context, messageID string) error {
	_, err, _ := c.reads.Do(messageID, func() (any, error) {
		c.mu.Lock()
		msg, ok := c.byID[messageID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("mark read %s: %w", messageID, ErrUnknownMessage)
		}
		if msg.Read {
			c.mu.Unlock()
			return nil, nil
		}
		room := msg.RoomID
		c.mu.Unlock()

		if _, err := c.out.Request(ctx, EventMessageRead, messageRef{MessageID: messageID, RoomID: room}); err != nil {
			return nil, fmt.Errorf("mark read %s: %w", messageID, err)
		}

		c.mu.Lock()
		changed := true
		if msg, ok := c.byID[messageID]; ok {
			changed = msg.markRead()
		}
		c.mu.Unlock()

		if changed {
			c.changed()
			if c.rooms != nil {
				c.rooms.DecrementUnread(room)
			}
		}
		return nil, nil
	})
	return err
}

// ApplyStatus applies a received/read status to one held message. Read
// implies received even when the received status was never seen; flags never
// move backward.
func (c *MessageChannel) ApplyStatus(s MessageStatus) {
	c.mu.Lock()
	msg, ok := c.byID[s.MessageID]
	changed := false
	if ok {
		changed = applyStatusLocked(msg, s.Status)
	}
	var snapshot ChatMessage
	if changed {
		snapshot = *msg
	}
	c.mu.Unlock()

	if changed {
		c.changed()
		if c.rooms != nil {
			c.rooms.ReplaceLastMessage(snapshot.RoomID, snapshot.ID, snapshot)
		}
	}
}

// MarkAllReceived updates every message the local user sent in roomID at
// once, without refetching. An empty status means received. Pending messages
// are skipped; they are not persisted yet.
func (c *MessageChannel) MarkAllReceived(b BulkStatus) {
	self := c.self()
	status := valueOr(b.Status, StatusReceived)

	c.mu.Lock()
	if b.RoomID != c.room {
		c.mu.Unlock()
		return
	}
	changed := false
	var last *ChatMessage
	for _, m := range c.messages {
		if m.Pending || (self != "" && m.SenderID != self) {
			continue
		}
		if applyStatusLocked(m, status) {
			changed = true
			last = m
		}
	}
	var snapshot ChatMessage
	if last != nil {
		snapshot = *last
	}
	c.mu.Unlock()

	if changed {
		c.changed()
		if c.rooms != nil {
			c.rooms.ReplaceLastMessage(snapshot.RoomID, snapshot.ID, snapshot)
		}
	}
}

func applyStatusLocked(m *ChatMessage, status string) bool {
	switch status {
	case StatusRead:
		return m.markRead()
	case StatusReceived:
		return m.markReceived()
	}
	return false
}

// Resync refetches the first page of the active room.
func (c *MessageChannel) Resync(ctx context.Context, pageSize int) error {
	room := c.ActiveRoom()
	if room == "" {
		return nil
	}
	return c.FetchPage(ctx, room, 1, pageSize)
}

// ============================================================================
// Read model
// ============================================================================

// Messages returns copies of the held messages, oldest first.
func (c *MessageChannel) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, *m)
	}
	return out
}

// Message returns a copy of one held message.
func (c *MessageChannel) Message(id string) (ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byID[id]
	if !ok {
		return ChatMessage{}, false
	}
	return *m, true
}

// HasMore reports whether older history may exist.
func (c *MessageChannel) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// UnreadInbound returns ids of held messages from other users not yet read.
func (c *MessageChannel) UnreadInbound() []string {
	self := c.self()
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, m := range c.messages {
		if !m.Read && !m.Pending && m.SenderID != self {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// ============================================================================
// Internal
// ============================================================================

func (c *MessageChannel) insertLocked(m *ChatMessage) {
	c.messages = append(c.messages, m)
	c.byID[m.ID] = m
}

func (c *MessageChannel) removeLocked(id string) {
	m, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	for i, held := range c.messages {
		if held == m {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func (c *MessageChannel) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}

func (c *MessageChannel) changed() {
	if c.emitter != nil {
		c.emitter.emit(ObserveMessagesChanged, c.Messages())
	}
}
