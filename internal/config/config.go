// Package config defines the process-level configuration surface for the
// ingestion engine: the enumerated options from spec §4.8/§6, loaded from
// environment variables with sane defaults, never mutated ambiently.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Channel identifies one of the venue's real-time event streams.
type Channel string

const (
	ChannelBookTicker Channel = "bookTicker"
	ChannelAggTrade   Channel = "aggTrade"
	ChannelDepth      Channel = "depth"
	ChannelMarkPrice  Channel = "markPrice"
	ChannelForceOrder Channel = "forceOrder"
)

// RequiredChannels are always subscribed regardless of Channels config.
var RequiredChannels = []Channel{ChannelBookTicker, ChannelAggTrade, ChannelDepth}

// Config is the complete, explicit configuration struct consumed by Start.
// It is never mutated after construction; a Restart rebuilds one from the
// previous Start call's arguments.
type Config struct {
	DatabaseURL string `json:"database_url"`

	VenueRESTBase string `json:"venue_rest_base"`
	VenueWSBase   string `json:"venue_ws_base"`

	Symbols  []string  `json:"symbols"`
	Channels []Channel `json:"channels"`

	BatchSize    int           `json:"batch_size"`
	BatchMaxAge  time.Duration `json:"batch_max_age"`
	Shards       int           `json:"shards"`
	ShardPlanOverrides string  `json:"shard_plan_overrides,omitempty"` // path to YAML override file

	LogLevel      string `json:"log_level"`
	MonitoringPort int   `json:"monitoring_port"`
}

// Validate enforces the invariants a configuration error at Start must
// catch synchronously (spec §7: configuration errors fail Start, prior
// state is preserved).
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.VenueWSBase == "" {
		return fmt.Errorf("config: VENUE_WS_BASE is required")
	}
	if c.VenueRESTBase == "" {
		return fmt.Errorf("config: VENUE_REST_BASE is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must list at least one symbol")
	}
	for _, ch := range c.Channels {
		if !ch.valid() {
			return fmt.Errorf("config: unrecognized channel %q", ch)
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive")
	}
	if c.BatchMaxAge <= 0 {
		return fmt.Errorf("config: BATCH_MAX_AGE must be positive")
	}
	if c.Shards <= 0 {
		return fmt.Errorf("config: SHARDS must be positive")
	}
	return nil
}

func (c Channel) valid() bool {
	switch c {
	case ChannelBookTicker, ChannelAggTrade, ChannelDepth, ChannelMarkPrice, ChannelForceOrder:
		return true
	default:
		return false
	}
}

// EnabledChannels returns the required channels plus any optional ones
// enabled in Channels, deduplicated.
func (c Config) EnabledChannels() []Channel {
	set := make(map[Channel]bool, len(RequiredChannels)+len(c.Channels))
	ordered := make([]Channel, 0, len(RequiredChannels)+len(c.Channels))
	for _, ch := range RequiredChannels {
		if !set[ch] {
			set[ch] = true
			ordered = append(ordered, ch)
		}
	}
	for _, ch := range c.Channels {
		if !set[ch] {
			set[ch] = true
			ordered = append(ordered, ch)
		}
	}
	return ordered
}

// FromEnv populates a Config from the process environment, applying the
// defaults documented in spec §6. It does not call Validate; callers pass
// the result to the control plane's Start, which validates synchronously.
func FromEnv() Config {
	cfg := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		VenueRESTBase:  getEnvDefault("VENUE_REST_BASE", "https://fapi.example-venue.com"),
		VenueWSBase:    getEnvDefault("VENUE_WS_BASE", "wss://fstream.example-venue.com"),
		Symbols:        splitCSV(os.Getenv("SYMBOLS")),
		Channels:       parseChannels(os.Getenv("CHANNELS")),
		BatchSize:      getEnvInt("BATCH_SIZE", 500),
		BatchMaxAge:    getEnvDuration("BATCH_MAX_AGE", 2*time.Second),
		Shards:         getEnvInt("SHARDS", 4),
		LogLevel:       getEnvDefault("LOG_LEVEL", "info"),
		MonitoringPort: getEnvInt("MONITORING_PORT", 8080),
	}
	cfg.ShardPlanOverrides = os.Getenv("SHARD_PLAN_OVERRIDES")
	return cfg
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseChannels(v string) []Channel {
	parts := splitCSV(v)
	out := make([]Channel, 0, len(parts))
	for _, p := range parts {
		out = append(out, Channel(p))
	}
	return out
}
