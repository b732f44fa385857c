package gateway

import "time"

// Config holds tunable parameters for the WebSocket gateway.
type Config struct {
	ListenAddr      string          `yaml:"listen_addr"`      // e.g. ":8080"
	WorkerPoolSize  int             `yaml:"worker_pool_size"` // max concurrent frame readers
	MaxConnections  int             `yaml:"max_connections"`  // hard cap on connections
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdentifyTimeout time.Duration   `yaml:"identify_timeout"` // unidentified connections are closed after this
	OutboundRate    float64         `yaml:"outbound_rate"`    // deliveries per second per connection
	OutboundBurst   int             `yaml:"outbound_burst"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
	IdentitySecret  string          `yaml:"identity_secret"` // HMAC key for identify tokens
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdentifyTimeout: 15 * time.Second,
		OutboundRate:    5,
		OutboundBurst:   20,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"` // how often to ping and refresh sessions
	Timeout  time.Duration `yaml:"timeout"`  // grace after a missed ping
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}
