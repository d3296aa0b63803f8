package dchat

import (
	"sort"
	"sync"
)

// PresenceState is a point-in-time copy of the presence read model.
type PresenceState struct {
	Online []string            `json:"online"`
	Typing map[string][]string `json:"typing"` // roomID -> userIDs
}

// PresenceTracker is the read model for who is online and who is typing
// where. A user typing in any room is online; a user going offline stops
// typing everywhere.
type PresenceTracker struct {
	mu      sync.RWMutex
	online  map[string]struct{}
	typing  map[string]map[string]struct{} // roomID -> userIDs
	emitter *Emitter
}

// NewPresenceTracker creates an empty tracker. emitter may be nil.
func NewPresenceTracker(emitter *Emitter) *PresenceTracker {
	return &PresenceTracker{
		online:  make(map[string]struct{}),
		typing:  make(map[string]map[string]struct{}),
		emitter: emitter,
	}
}

// ApplyInitialSnapshot replaces the online set with exactly the users marked
// online in entries. Typing entries of users that are not online are dropped.
func (p *PresenceTracker) ApplyInitialSnapshot(entries []StatusEntry) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Online && e.UserID != "" {
			p.online[e.UserID] = struct{}{}
		}
	}
	for room, users := range p.typing {
		for u := range users {
			if _, ok := p.online[u]; !ok {
				delete(users, u)
			}
		}
		if len(users) == 0 {
			delete(p.typing, room)
		}
	}
	p.mu.Unlock()
	p.changed()
}

// ApplyStatusChange adds or removes one user from the online set.
func (p *PresenceTracker) ApplyStatusChange(e StatusEntry) {
	if e.UserID == "" {
		return
	}
	p.mu.Lock()
	if e.Online {
		p.online[e.UserID] = struct{}{}
	} else {
		delete(p.online, e.UserID)
		p.clearTypingLocked(e.UserID)
	}
	p.mu.Unlock()
	p.changed()
}

// ApplyTypingChange adds or removes the (room, user) typing pair. Typing
// implies the user is connected, so typing=true also marks them online.
func (p *PresenceTracker) ApplyTypingChange(e TypingEntry) {
	if e.UserID == "" || e.RoomID == "" {
		return
	}
	p.mu.Lock()
	if e.Typing {
		users := p.typing[e.RoomID]
		if users == nil {
			users = make(map[string]struct{})
			p.typing[e.RoomID] = users
		}
		users[e.UserID] = struct{}{}
		p.online[e.UserID] = struct{}{}
	} else if users := p.typing[e.RoomID]; users != nil {
		delete(users, e.UserID)
		if len(users) == 0 {
			delete(p.typing, e.RoomID)
		}
	}
	p.mu.Unlock()
	p.changed()
}

// clearTypingLocked removes every typing entry of userID. p.mu must be held.
func (p *PresenceTracker) clearTypingLocked(userID string) {
	for room, users := range p.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, room)
		}
	}
}

// IsOnline reports whether userID is online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// IsTyping reports whether userID is typing in roomID.
func (p *PresenceTracker) IsTyping(roomID, userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.typing[roomID][userID]
	return ok
}

// OnlineUsers returns the online user ids, sorted.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.online)
}

// TypingUsers returns the users typing in roomID, sorted.
func (p *PresenceTracker) TypingUsers(roomID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.typing[roomID])
}

// Snapshot copies the whole read model.
func (p *PresenceTracker) Snapshot() PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := PresenceState{
		Online: sortedKeys(p.online),
		Typing: make(map[string][]string, len(p.typing)),
	}
	for room, users := range p.typing {
		s.Typing[room] = sortedKeys(users)
	}
	return s
}

func (p *PresenceTracker) changed() {
	if p.emitter != nil {
		p.emitter.emit(ObservePresenceChanged, p.Snapshot())
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
