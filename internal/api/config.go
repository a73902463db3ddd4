package api

import "time"

// Config defines the API server configuration.
type Config struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`

	// MaxSessions caps concurrent SSE sessions; the oldest session is
	// evicted when the cap is exceeded.
	MaxSessions int `mapstructure:"max_sessions"`
	// SessionIdleTimeout expires sessions with no traffic.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	// RateLimit and RateBurst bound JSON-RPC calls per session.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// HeartbeatInterval spaces the SSE keepalive comments.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1024
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 30 * time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}
