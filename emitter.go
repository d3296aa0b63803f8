package dchat

import (
	"sync"

	"github.com/rs/zerolog"
)

// Observer event names emitted by the chat components.
const (
	ObservePresenceChanged = "presence.changed"
	ObserveMessagesChanged = "messages.changed"
	ObserveMessageFailed   = "message.failed"
	ObserveRoomsChanged    = "rooms.changed"
	ObserveNewMatch        = "match.new"
	ObserveStateChanged    = "connection.state"
)

// ObserverFunc receives state-change notifications for the UI layer.
type ObserverFunc func(event string, payload any)

// Emitter fans component notifications out to observers.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]ObserverFunc
	onPanic   func(event string, recovered any)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]ObserverFunc)}
}

// On registers an observer for event.
func (e *Emitter) On(event string, fn ObserverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
}

func (e *Emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.listeners[event]
	onPanic := e.onPanic
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			// Observer panics must not reach the read loop.
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(event, r)
				}
			}()
			h(event, payload)
		}()
	}
}

// setPanicHandler installs fn to receive panics recovered from observers.
func (e *Emitter) setPanicHandler(fn func(event string, recovered any)) {
	e.mu.Lock()
	e.onPanic = fn
	e.mu.Unlock()
}

// reportObserverPanics logs recovered observer panics and counts them.
func reportObserverPanics(e *Emitter, log zerolog.Logger, metrics *Metrics) {
	e.setPanicHandler(func(event string, recovered any) {
		metrics.EventsDropped.WithLabelValues("observer_panic").Inc()
		log.Error().Str("event", event).Interface("panic", recovered).Msg("observer panicked")
	})
}

func (e *Emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]ObserverFunc)
}
