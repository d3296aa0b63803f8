package dchat

import (
	"encoding/json"
	"sync"
)

// EventHandler handles one inbound event payload.
type EventHandler func(payload json.RawMessage)

// eventDispatcher keeps at most one handler per event name. Handlers belong
// to the manager rather than to a socket, so they carry over every reconnect
// without being registered again.
type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string]EventHandler)}
}

// subscribe installs h for event, replacing any previous handler.
func (d *eventDispatcher) subscribe(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = h
	d.mu.Unlock()
}

func (d *eventDispatcher) unsubscribe(event string) {
	d.mu.Lock()
	delete(d.handlers, event)
	d.mu.Unlock()
}

// dispatch runs the handler for env on the caller's goroutine so events keep
// their arrival order. It reports whether a handler existed.
func (d *eventDispatcher) dispatch(env Envelope) bool {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	h(env.Payload)
	return true
}

// decodeInto adapts a typed handler to an EventHandler. Payloads that do not
// decode are passed to onErr and otherwise ignored.
func decodeInto[T any](fn func(T), onErr func(error)) EventHandler {
	return func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(v)
	}
}
