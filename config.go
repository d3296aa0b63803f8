package dchat

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config configures a Chat and its ConnManager.
type Config struct {
	// ServerURL is the real-time endpoint (ws://, wss://, http:// or https://).
	ServerURL string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// MaxAuthRetries caps restarts after an invalid or missing credential.
	MaxAuthRetries int
	AuthRetryDelay time.Duration

	HeartbeatInterval time.Duration
	AckTimeout        time.Duration

	// PageSize is used by OpenRoom and LoadMore.
	PageSize int

	// ResyncOnReconnect refetches the first page of the active room after
	// every reconnect so messages missed during the gap show up.
	ResyncOnReconnect bool

	HTTPClient *http.Client
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config with reconnection (fixed 1s delay, 5
// attempts) and resync enabled.
func DefaultConfig(serverURL string) *Config {
	c := &Config{
		ServerURL:         serverURL,
		AutoReconnect:     true,
		ResyncOnReconnect: true,
		Logger:            zerolog.Nop(),
	}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	// Fixed delay unless a larger max opts into exponential backoff.
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.MaxAuthRetries == 0 {
		c.MaxAuthRetries = 5
	}
	if c.AuthRetryDelay == 0 {
		c.AuthRetryDelay = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
}
