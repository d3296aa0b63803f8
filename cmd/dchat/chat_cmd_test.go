package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

type fakeRoom struct {
	mu      sync.Mutex
	calls   []string
	sendErr error
}

func (f *fakeRoom) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRoom) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRoom) Send(_ context.Context, content string) (dchat.ChatMessage, error) {
	f.record("send:" + content)
	return dchat.ChatMessage{Content: content}, f.sendErr
}

func (f *fakeRoom) StartTyping(context.Context) error { f.record("typing"); return nil }
func (f *fakeRoom) StopTyping(context.Context) error  { f.record("stop"); return nil }
func (f *fakeRoom) LoadMore(context.Context) error    { f.record("more"); return nil }

func TestLineHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("message clears typing first", func(t *testing.T) {
		room := &fakeRoom{}
		h := newLineHandler(room, &syncWriter{w: &bytes.Buffer{}}, time.Hour)

		h.handle(ctx, "/typing")
		h.handle(ctx, "  hello  ")
		h.handle(ctx, "again")
		h.close()
		assert.Equal(t, []string{"typing", "stop", "send:hello", "send:again"}, room.got())
	})

	t.Run("idle stops typing", func(t *testing.T) {
		room := &fakeRoom{}
		h := newLineHandler(room, &syncWriter{w: &bytes.Buffer{}}, 20*time.Millisecond)

		h.handle(ctx, "/typing")
		require.Eventually(t, func() bool { return len(room.got()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"typing", "stop"}, room.got())

		h.close()
		assert.Len(t, room.got(), 2, "nothing left to stop")
	})

	t.Run("leaving stops typing", func(t *testing.T) {
		room := &fakeRoom{}
		h := newLineHandler(room, &syncWriter{w: &bytes.Buffer{}}, time.Hour)
		h.handle(ctx, "/typing")
		h.close()
		assert.Equal(t, []string{"typing", "stop"}, room.got())
	})

	t.Run("blank lines and load more", func(t *testing.T) {
		room := &fakeRoom{}
		h := newLineHandler(room, &syncWriter{w: &bytes.Buffer{}}, time.Hour)
		h.handle(ctx, "   ")
		h.handle(ctx, "/more")
		assert.Equal(t, []string{"more"}, room.got())
	})

	t.Run("send failure is reported", func(t *testing.T) {
		var out bytes.Buffer
		room := &fakeRoom{sendErr: errors.New("no active room")}
		h := newLineHandler(room, &syncWriter{w: &out}, time.Hour)
		h.handle(ctx, "hi")
		assert.Contains(t, out.String(), "(not sent: no active room)")
	})
}
