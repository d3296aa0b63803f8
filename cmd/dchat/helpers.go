package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// requireSession checks that cfg carries what a connected command needs.
func requireSession(cfg *Config) error {
	if cfg.Auth.Token == "" {
		return errors.New("no token; run 'dchat login <token>' first")
	}
	if cfg.Default.APIURL == "" {
		return errors.New("no API URL; run 'dchat config set default.api_url <url>'")
	}
	return nil
}

// newSession builds the session and API client from cfg. A refreshed token
// is written back to the config file so the next run starts with it.
func newSession(cfg *Config, log zerolog.Logger) (*dchat.TokenSession, *dchat.APIClient) {
	var api *dchat.APIClient
	session := dchat.NewTokenSession(cfg.Auth.Token, func(ctx context.Context, current string) (string, error) {
		token, err := api.RefreshToken(ctx, current)
		if err != nil {
			return "", err
		}
		if err := persistToken(token); err != nil {
			log.Warn().Err(err).Msg("refreshed token not saved")
		}
		return token, nil
	})
	api = dchat.NewAPIClient(cfg.Default.APIURL, dchat.WithSession(session))
	return session, api
}

// newChat wires a Chat for the commands that talk to the real-time server.
func newChat(cfg *Config) (*dchat.Chat, error) {
	if err := requireSession(cfg); err != nil {
		return nil, err
	}
	if cfg.Default.ServerURL == "" {
		return nil, errors.New("no server URL; run 'dchat config set default.server_url <url>'")
	}
	log := newLogger()
	session, api := newSession(cfg, log)

	c := dchat.DefaultConfig(cfg.Default.ServerURL)
	c.Logger = log
	c.PageSize = cfg.Default.PageSize
	chat := dchat.New(c, session, api, api)
	if cfg.Auth.UserID != "" {
		chat.SetSelfID(cfg.Auth.UserID)
	}
	return chat, nil
}

// persistToken stores token and its claims in the config file.
func persistToken(token string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyToken(&cfg.Auth, token)
	return saveConfig(cfg)
}

// applyToken stores token with the subject and expiry read from it. Claims
// of a previous token are cleared.
func applyToken(auth *ConfigAuth, token string) {
	auth.Token = token
	auth.UserID = ""
	auth.TokenExpires = ""
	if claims, err := dchat.ParseTokenClaims(token); err == nil {
		auth.UserID = claims.Subject
		if !claims.ExpiresAt.IsZero() {
			auth.TokenExpires = claims.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// messageLine renders one message for the terminal.
func messageLine(m dchat.ChatMessage, self string) string {
	who := m.SenderID
	if who == self && self != "" {
		who = "me"
	}
	mark := ""
	switch {
	case m.Pending:
		mark = " …"
	case m.Read:
		mark = " ✓✓"
	case m.Received:
		mark = " ✓"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, m.Content, mark)
}

// syncWriter serializes lines written from observer callbacks and the
// command's own goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) println(line string) {
	s.mu.Lock()
	fmt.Fprintln(s.w, line)
	s.mu.Unlock()
}
