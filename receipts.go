package dchat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const markReadConcurrency = 4

// deliveryProtocol runs the received/read handshake. Receipts for inbound
// messages go out as messageReceived; inbound messageStatus and
// markAllReceived update the sender-side view. Joining a room is what makes
// the server issue the bulk markAllReceived, so the active room is joined
// again after every reconnect.
type deliveryProtocol struct {
	out     outbound
	channel *MessageChannel
	rooms   *RoomList
	self    func() string
	log     zerolog.Logger

	mu     sync.Mutex
	joined string
}

func newDeliveryProtocol(out outbound, channel *MessageChannel, rooms *RoomList, self func() string, log zerolog.Logger) *deliveryProtocol {
	return &deliveryProtocol{
		out:     out,
		channel: channel,
		rooms:   rooms,
		self:    self,
		log:     log.With().Str("component", "delivery").Logger(),
	}
}

func (d *deliveryProtocol) handleStatus(s MessageStatus) {
	d.channel.ApplyStatus(s)
}

func (d *deliveryProtocol) handleBulk(b BulkStatus) {
	d.channel.MarkAllReceived(b)
}

// acknowledgeDelivery tells the sender's side that m reached this client.
func (d *deliveryProtocol) acknowledgeDelivery(ctx context.Context, m ChatMessage) {
	if m.SenderID != "" && m.SenderID == d.self() {
		return
	}
	if !d.out.Emit(ctx, EventMessageReceived, messageRef{MessageID: m.ID, RoomID: m.RoomID}, nil) {
		d.log.Debug().Str("message", m.ID).Msg("delivery receipt not sent; offline")
	}
}

// switchRoom leaves the previously joined room and joins roomID.
func (d *deliveryProtocol) switchRoom(ctx context.Context, roomID string) {
	d.mu.Lock()
	prev := d.joined
	d.joined = roomID
	d.mu.Unlock()

	if prev != "" && prev != roomID {
		d.out.Emit(ctx, EventLeaveRoom, roomRef{RoomID: prev}, nil)
	}
	if roomID != "" && roomID != prev {
		d.out.Emit(ctx, EventJoinRoom, roomRef{RoomID: roomID}, nil)
	}
}

// rejoin joins the current room again on a fresh connection.
func (d *deliveryProtocol) rejoin(ctx context.Context) {
	d.mu.Lock()
	room := d.joined
	d.mu.Unlock()
	if room != "" {
		d.out.Emit(ctx, EventJoinRoom, roomRef{RoomID: room}, nil)
	}
}

// markVisibleRead marks every unread inbound message of the active room as
// read. Once all of them are acknowledged the room's counter is zeroed.
func (d *deliveryProtocol) markVisibleRead(ctx context.Context) error {
	room := d.channel.ActiveRoom()
	if room == "" {
		return ErrNoActiveRoom
	}
	ids := d.channel.UnreadInbound()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markReadConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return d.channel.MarkRead(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if d.channel.ActiveRoom() == room {
		d.rooms.ResetUnread(room)
	}
	return nil
}
