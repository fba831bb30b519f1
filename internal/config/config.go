// Package config loads presenced configuration from the environment, with an
// optional TOML file overlay for values that are awkward as env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds everything a presenced node needs to start. Every field can be
// set from the environment (PRESENCE_*); a TOML file named by PRESENCE_CONFIG
// supplies defaults that the environment overrides.
type Config struct {
	NodeID   string `toml:"node_id"`   // PRESENCE_NODE_ID (default: hostname)
	NATSURL  string `toml:"nats_url"`  // PRESENCE_NATS_URL (empty = local-only degraded mode)
	NATSUser string `toml:"nats_user"` // PRESENCE_NATS_USER (optional)
	NATSPass string `toml:"nats_pass"` // PRESENCE_NATS_PASS (optional)
	HTTPAddr string `toml:"http_addr"` // PRESENCE_HTTP_ADDR (default ":8080")

	// JWTSecret verifies realtime connection tokens. Empty disables the
	// realtime endpoint (every connection attempt is rejected).
	JWTSecret string `toml:"jwt_secret"` // PRESENCE_JWT_SECRET
	JWTIssuer string `toml:"jwt_issuer"` // PRESENCE_JWT_ISSUER (default "quckapp-auth")

	// AuthToken protects the service HTTP API (empty = auth disabled).
	AuthToken string `toml:"auth_token"` // PRESENCE_AUTH_TOKEN

	GraceWindow       time.Duration `toml:"-"` // PRESENCE_GRACE_WINDOW (default 30s)
	HeartbeatInterval time.Duration `toml:"-"` // PRESENCE_HEARTBEAT_INTERVAL (default 5s)
	HeartbeatMisses   int           `toml:"heartbeat_misses"` // PRESENCE_HEARTBEAT_MISSES (default 3)
	DedupWindow       time.Duration `toml:"-"` // PRESENCE_DEDUP_WINDOW (default 2m)
	EvictAfter        time.Duration `toml:"-"` // PRESENCE_EVICT_AFTER (default 10m)
	SweepInterval     time.Duration `toml:"-"` // PRESENCE_SWEEP_INTERVAL (default 10s)

	// Duration fields as they appear in the TOML file ("30s", "2m").
	GraceWindowStr       string `toml:"grace_window"`
	HeartbeatIntervalStr string `toml:"heartbeat_interval"`
	DedupWindowStr       string `toml:"dedup_window"`
	EvictAfterStr        string `toml:"evict_after"`
	SweepIntervalStr     string `toml:"sweep_interval"`
}

// Load builds a Config from PRESENCE_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	c := &Config{}

	if path := os.Getenv("PRESENCE_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("PRESENCE_CONFIG: %w", err)
		}
	}

	c.NodeID = envOr("PRESENCE_NODE_ID", c.NodeID)
	c.NATSURL = envOr("PRESENCE_NATS_URL", c.NATSURL)
	c.NATSUser = envOr("PRESENCE_NATS_USER", c.NATSUser)
	c.NATSPass = envOr("PRESENCE_NATS_PASS", c.NATSPass)
	c.HTTPAddr = envOr("PRESENCE_HTTP_ADDR", c.HTTPAddr)
	c.JWTSecret = envOr("PRESENCE_JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = envOr("PRESENCE_JWT_ISSUER", c.JWTIssuer)
	c.AuthToken = envOr("PRESENCE_AUTH_TOKEN", c.AuthToken)

	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return nil, fmt.Errorf("PRESENCE_NODE_ID is not set and hostname is unavailable: %w", err)
		}
		c.NodeID = host
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "quckapp-auth"
	}

	var err error
	if c.GraceWindow, err = duration("PRESENCE_GRACE_WINDOW", c.GraceWindowStr, 30*time.Second); err != nil {
		return nil, err
	}
	if c.HeartbeatInterval, err = duration("PRESENCE_HEARTBEAT_INTERVAL", c.HeartbeatIntervalStr, 5*time.Second); err != nil {
		return nil, err
	}
	if c.DedupWindow, err = duration("PRESENCE_DEDUP_WINDOW", c.DedupWindowStr, 2*time.Minute); err != nil {
		return nil, err
	}
	if c.EvictAfter, err = duration("PRESENCE_EVICT_AFTER", c.EvictAfterStr, 10*time.Minute); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = duration("PRESENCE_SWEEP_INTERVAL", c.SweepIntervalStr, 10*time.Second); err != nil {
		return nil, err
	}

	if v := os.Getenv("PRESENCE_HEARTBEAT_MISSES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
			return nil, fmt.Errorf("PRESENCE_HEARTBEAT_MISSES: invalid value %q", v)
		}
		c.HeartbeatMisses = n
	}
	if c.HeartbeatMisses == 0 {
		c.HeartbeatMisses = 3
	}

	return c, nil
}

// duration resolves a duration setting from env, then the TOML string, then
// the default.
func duration(envKey, fileVal string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		s = fileVal
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envKey, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", envKey, d)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
