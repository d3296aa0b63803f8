package dchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientFetchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/messages/room-1", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("pageNo"))
		assert.Equal(t, "10", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"success","data":[
			{"id":"m2","senderId":"alice","content":"hey","createdAt":"2026-01-01T12:02:00Z","received":true},
			{"id":"m1","roomId":"room-1","senderId":"me","content":"hi","createdAt":"2026-01-01T12:01:00Z","read":true}
		]}`))
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL+"/", WithToken("tok"))
	msgs, err := c.FetchMessages(context.Background(), "room-1", 2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "room-1", msgs[0].RoomID, "room id filled from the request")
	assert.True(t, msgs[0].Received)
	assert.True(t, msgs[1].Read)
	assert.Equal(t, 1, msgs[1].CreatedAt.Minute())
}

func TestAPIClientFetchRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat-rooms", r.URL.Path)
		w.Write([]byte(`{"status":"success","data":[{"roomId":"r1","participant":{"userId":"alice","name":"Alice"},"unreadCount":3}]}`))
	}))
	defer srv.Close()

	session := NewTokenSession("from-session", nil)
	rooms, err := NewAPIClient(srv.URL, WithSession(session)).FetchRooms(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "Alice", rooms[0].Participant.Name)
	assert.Equal(t, 3, rooms[0].UnreadCount)
	assert.Nil(t, rooms[0].LastMessage)
}

func TestAPIClientErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"token expired"}`))
		}))
		defer srv.Close()

		_, err := NewAPIClient(srv.URL).FetchRooms(context.Background(), 1, 20)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "token expired", apiErr.Message)
	})

	t.Run("error envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"error","message":"room not found"}`))
		}))
		defer srv.Close()

		_, err := NewAPIClient(srv.URL).FetchMessages(context.Background(), "nope", 1, 20)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "room not found", apiErr.Message)
	})

	t.Run("undecodable body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}))
		defer srv.Close()

		_, err := NewAPIClient(srv.URL).FetchRooms(context.Background(), 1, 20)
		assert.Error(t, err)
	})
}

func TestAPIClientRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/validate-token", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] != "old" {
			w.Write([]byte(`{"status":"error","message":"unknown session"}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"accessToken":"fresh"}}`))
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL)
	token, err := c.RefreshToken(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	_, err = c.RefreshToken(context.Background(), "other")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "unknown session", apiErr.Message)

	t.Run("as session refresher", func(t *testing.T) {
		s := NewTokenSession("old", c.RefreshToken)
		token, err := s.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", token)
		assert.Equal(t, "fresh", s.AccessToken())
	})
}
