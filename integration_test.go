//go:build integration

package dchat_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func newLiveChat(t *testing.T) *dchat.Chat {
	t.Helper()
	token := requireEnv(t, "DCHAT_TOKEN_TEST")
	api := dchat.NewAPIClient(requireEnv(t, "DCHAT_API_URL_TEST"), dchat.WithToken(token))
	session := dchat.NewTokenSession(token, api.RefreshToken)

	cfg := dchat.DefaultConfig(requireEnv(t, "DCHAT_SERVER_URL_TEST"))
	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	chat := dchat.New(cfg, session, api, api)
	t.Cleanup(func() { _ = chat.Close(context.Background()) })
	return chat
}

// =======================================================================
// Live server
// =======================================================================

func TestIntegration_ConnectAndBrowse(t *testing.T) {
	chat := newLiveChat(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := chat.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if chat.State() != dchat.StateConnected {
		t.Fatalf("state = %s, want connected", chat.State())
	}

	t.Run("Rooms_List", func(t *testing.T) {
		if err := chat.LoadRooms(ctx, 1); err != nil {
			t.Fatalf("LoadRooms: %v", err)
		}
		t.Logf("%d rooms, %d unread", len(chat.Rooms().Rooms()), chat.Rooms().TotalUnread())
	})

	t.Run("Room_Open", func(t *testing.T) {
		rooms := chat.Rooms().Rooms()
		if len(rooms) == 0 {
			t.Skip("account has no conversations")
		}
		if err := chat.OpenRoom(ctx, rooms[0].RoomID); err != nil {
			t.Fatalf("OpenRoom: %v", err)
		}
		t.Logf("room %s: %d messages", rooms[0].RoomID, len(chat.Channel().Messages()))
	})

	t.Run("Presence_Snapshot", func(t *testing.T) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if users := chat.Presence().OnlineUsers(); len(users) > 0 {
				t.Logf("online: %v", users)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		t.Log("no online users reported")
	})
}
