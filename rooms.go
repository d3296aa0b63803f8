package dchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RoomUpdate moves a room to the head of the list.
type RoomUpdate struct {
	RoomID      string
	LastMessage *ChatMessage
	// Participant is used only when the room is not tracked yet.
	Participant *Participant
	// CountUnread increments the unread counter unless the room is active.
	CountUnread bool
}

// RoomList is the ordered conversation list, most recently active first,
// with per-room unread accounting.
type RoomList struct {
	dir     RoomDirectory
	emitter *Emitter

	mu      sync.RWMutex
	rooms   []*ChatRoom
	index   map[string]*ChatRoom
	active  string
	page    int
	hasMore bool
}

// NewRoomList creates an empty list backed by dir. emitter may be nil.
func NewRoomList(dir RoomDirectory, emitter *Emitter) *RoomList {
	return &RoomList{
		dir:     dir,
		emitter: emitter,
		index:   make(map[string]*ChatRoom),
		hasMore: true,
	}
}

// LoadPage fetches a page of conversations and merges it. Rooms already
// tracked keep their LastMessage and UnreadCount, which real-time updates
// keep fresher than the directory; only display info is refreshed. New rooms
// are appended in the order fetched.
//
// HasMore becomes len(page) >= pageSize: a full page suggests more may exist,
// a short page signals the end. This is a heuristic, not a cursor guarantee.
func (l *RoomList) LoadPage(ctx context.Context, pageNo, pageSize int) error {
	if l.dir == nil {
		return errors.New("load rooms: no directory configured")
	}
	fetched, err := l.dir.FetchRooms(ctx, pageNo, pageSize)
	if err != nil {
		return fmt.Errorf("load rooms page %d: %w", pageNo, err)
	}

	l.mu.Lock()
	for i := range fetched {
		f := fetched[i]
		if f.RoomID == "" {
			continue
		}
		if existing, ok := l.index[f.RoomID]; ok {
			existing.Participant = f.Participant
			if existing.LastMessage == nil && f.LastMessage != nil {
				lm := *f.LastMessage
				existing.LastMessage = &lm
			}
			continue
		}
		room := f.clone()
		if room.UnreadCount < 0 {
			room.UnreadCount = 0
		}
		l.rooms = append(l.rooms, &room)
		l.index[room.RoomID] = &room
	}
	if pageNo >= l.page {
		l.page = pageNo
		l.hasMore = len(fetched) >= pageSize
	}
	l.mu.Unlock()

	l.changed()
	return nil
}

// LoadMore fetches the page after the last one loaded.
func (l *RoomList) LoadMore(ctx context.Context, pageSize int) error {
	l.mu.RLock()
	next := l.page + 1
	l.mu.RUnlock()
	return l.LoadPage(ctx, next, pageSize)
}

// BumpToTop moves the room to the head of the list with the new last
// message, creating it when unseen. This is the only ordering rule.
func (l *RoomList) BumpToTop(u RoomUpdate) {
	if u.RoomID == "" {
		return
	}
	l.mu.Lock()
	room, ok := l.index[u.RoomID]
	if ok {
		l.removeLocked(u.RoomID)
	} else {
		room = &ChatRoom{RoomID: u.RoomID}
		if u.Participant != nil {
			room.Participant = *u.Participant
		}
		l.index[u.RoomID] = room
	}
	if u.LastMessage != nil {
		lm := *u.LastMessage
		room.LastMessage = &lm
	}
	if u.CountUnread && u.RoomID != l.active {
		room.UnreadCount++
	}
	l.rooms = append([]*ChatRoom{room}, l.rooms...)
	l.mu.Unlock()

	l.changed()
}

// ReplaceLastMessage swaps the room's last message for msg when the current
// one has id matchID. Used when a pending message is reconciled or its
// delivery flags change; the order is left alone.
func (l *RoomList) ReplaceLastMessage(roomID, matchID string, msg ChatMessage) {
	l.mu.Lock()
	room, ok := l.index[roomID]
	replaced := ok && room.LastMessage != nil && room.LastMessage.ID == matchID
	if replaced {
		room.LastMessage = &msg
	}
	l.mu.Unlock()
	if replaced {
		l.changed()
	}
}

// removeLocked drops roomID from the ordered slice; the index is untouched.
func (l *RoomList) removeLocked(roomID string) {
	for i, r := range l.rooms {
		if r.RoomID == roomID {
			l.rooms = append(l.rooms[:i], l.rooms[i+1:]...)
			return
		}
	}
}

// SetActiveRoom marks roomID as the one being viewed. It neither clears the
// unread counter, which waits for the read acknowledgements, nor reorders.
func (l *RoomList) SetActiveRoom(roomID string) {
	l.mu.Lock()
	l.active = roomID
	l.mu.Unlock()
}

// ActiveRoom returns the room being viewed, or "".
func (l *RoomList) ActiveRoom() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// IncrementUnread adds one to the room's unread counter.
func (l *RoomList) IncrementUnread(roomID string) {
	l.adjustUnread(roomID, 1)
}

// DecrementUnread subtracts one, never going below zero.
func (l *RoomList) DecrementUnread(roomID string) {
	l.adjustUnread(roomID, -1)
}

// ResetUnread sets the room's unread counter to zero.
func (l *RoomList) ResetUnread(roomID string) {
	l.mu.Lock()
	room, ok := l.index[roomID]
	changed := ok && room.UnreadCount != 0
	if changed {
		room.UnreadCount = 0
	}
	l.mu.Unlock()
	if changed {
		l.changed()
	}
}

func (l *RoomList) adjustUnread(roomID string, delta int) {
	l.mu.Lock()
	room, ok := l.index[roomID]
	if !ok {
		l.mu.Unlock()
		return
	}
	n := room.UnreadCount + delta
	if n < 0 {
		n = 0
	}
	changed := n != room.UnreadCount
	room.UnreadCount = n
	l.mu.Unlock()
	if changed {
		l.changed()
	}
}

// Rooms returns copies of the rooms in display order.
func (l *RoomList) Rooms() []ChatRoom {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChatRoom, 0, len(l.rooms))
	for _, r := range l.rooms {
		out = append(out, r.clone())
	}
	return out
}

// Room returns a copy of one room.
func (l *RoomList) Room(roomID string) (ChatRoom, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.index[roomID]
	if !ok {
		return ChatRoom{}, false
	}
	return r.clone(), true
}

// TotalUnread sums the unread counters of all rooms.
func (l *RoomList) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, r := range l.rooms {
		total += r.UnreadCount
	}
	return total
}

// HasMore reports whether another page may exist.
func (l *RoomList) HasMore() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasMore
}

func (l *RoomList) changed() {
	if l.emitter != nil {
		l.emitter.emit(ObserveRoomsChanged, l.Rooms())
	}
}
