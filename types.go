package dchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when an outbound event needs a live channel.
	ErrNotConnected = errors.New("dchat: not connected")
	// ErrAckTimeout is returned when the server never acknowledged a request.
	ErrAckTimeout = errors.New("dchat: acknowledgement timeout")
	// ErrNoActiveRoom is returned by room-scoped operations when no room is open.
	ErrNoActiveRoom = errors.New("dchat: no active room")
	// ErrUnknownMessage is returned when a message id is not held locally.
	ErrUnknownMessage = errors.New("dchat: unknown message")
	// ErrAuthExhausted is reported once credential refresh retries are used up.
	ErrAuthExhausted = errors.New("dchat: credential refresh attempts exhausted")
	// ErrRejected wraps a negative acknowledgement from the server.
	ErrRejected = errors.New("dchat: rejected by server")
)

// APIError represents a rejected persistence or session API call.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ============================================================================
// Data Model
// ============================================================================

// ChatMessage is one message instance.
//
// Delivery flags only move forward: Pending true->false, Received and Read
// false->true, and Read implies Received.
type ChatMessage struct {
	ID        string    `json:"id"`
	LocalID   string    `json:"localId,omitempty"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Received  bool      `json:"received"`
	Read      bool      `json:"read"`
	Pending   bool      `json:"pending,omitempty"`
}

// markReceived sets Received. It reports whether anything changed.
func (m *ChatMessage) markReceived() bool {
	if m.Received {
		return false
	}
	m.Received = true
	return true
}

// markRead sets Read and, with it, Received.
func (m *ChatMessage) markRead() bool {
	changed := m.markReceived()
	if !m.Read {
		m.Read = true
		changed = true
	}
	return changed
}

// Participant is the other side of a conversation as shown in the room list.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ChatRoom summarizes a conversation.
type ChatRoom struct {
	RoomID      string       `json:"roomId"`
	Participant Participant  `json:"participant"`
	LastMessage *ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

func (r *ChatRoom) clone() ChatRoom {
	c := *r
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// ============================================================================
// Wire Protocol
// ============================================================================

// Inbound event names.
const (
	EventNewMessage      = "newMessage"
	EventOnlineStatuses  = "onlineStatuses"
	EventUserTyping      = "userTyping"
	EventMessageStatus   = "messageStatus"
	EventUserStatus      = "userStatus"
	EventMarkAllReceived = "markAllReceived"
	EventTokenMissing    = "tokenMissing"
	EventInvalidToken    = "invalidToken"
	EventNewMatch        = "newMatch"
	EventAck             = "ack"
)

// Outbound event names.
const (
	EventJoinRoom        = "joinRoom"
	EventLeaveRoom       = "leaveRoom"
	EventSendMessage     = "sendMessage"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventMessageReceived = "messageReceived"
	EventMessageRead     = "messageRead"
	EventHeartbeat       = "heartbeat"
	EventLogout          = "logout"
)

// Message status values carried by messageStatus and markAllReceived.
const (
	StatusReceived = "received"
	StatusRead     = "read"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AckPayload answers a request that carried a requestId.
type AckPayload struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StatusEntry is one user's online flag, used by snapshots and userStatus.
type StatusEntry struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingEntry is a userTyping event.
type TypingEntry struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// MessageStatus is a messageStatus event for a single message.
type MessageStatus struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
}

// BulkStatus is a markAllReceived event. An empty Status means received.
type BulkStatus struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	Status string `json:"status,omitempty"`
}

// MatchPayload announces a new match and the room opened for it.
type MatchPayload struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	LocalID string `json:"localId"`
}

// pageResult is the {status, data} shape returned by the persistence API.
type pageResult[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    []T    `json:"data"`
}
