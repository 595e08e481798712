// Package http is the Control Plane's transport layer: the
// request/response DTOs and the net/http handlers that expose
// internal/control.Engine over the wire (spec §4.8), matching the
// teacher's own monitor_main.go preference for stdlib net/http over a
// routing framework.
package http

import "time"

// StartRequest is the body of POST /start, enumerating the recognized
// options of spec §4.8/§6.
type StartRequest struct {
	Symbols            []string `json:"symbols"`
	Channels           []string `json:"channels"`
	LogLevel           string   `json:"log_level,omitempty"`
	ShardPlanOverrides string   `json:"shard_plan_overrides,omitempty"`
	BatchSize          int      `json:"batch_size,omitempty"`
	BatchMaxAge        string   `json:"batch_max_age,omitempty"` // duration string, e.g. "2s"
	Shards             int      `json:"shards,omitempty"`
}

// StartResponse is the body of the Start/Restart responses.
type StartResponse struct {
	Outcome string `json:"outcome"` // accepted | already_running | invalid
	Error   string `json:"error,omitempty"`
}

// StopResponse is the body of the Stop response.
type StopResponse struct {
	Outcome string `json:"outcome"` // accepted
	Error   string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Running        bool                `json:"running"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	Shards         map[string][]string `json:"shards,omitempty"`
	ChannelRates   map[string]int64    `json:"channel_event_counts,omitempty"`
	ConnLatencyP99 float64             `json:"conn_latency_p99_ms,omitempty"`
	Subscribers    int                 `json:"telemetry_subscribers"`
	LastError      string              `json:"last_error,omitempty"`
	UnhealthyConns map[string][]string `json:"unhealthy_connections,omitempty"`
	DegradedShards map[string]bool     `json:"degraded_shards,omitempty"`
}

// SymbolCountsResponse is one row of GET /dbstats.
type SymbolCountsResponse struct {
	SymbolID   int64     `json:"symbol_id"`
	LastMinute int64     `json:"last_minute"`
	LastHour   int64     `json:"last_hour"`
	LastSeen   time.Time `json:"last_seen"`
}

// DBStatsResponse is the body of GET /dbstats.
type DBStatsResponse struct {
	Symbols []SymbolCountsResponse `json:"symbols"`
}

// SymbolVerdictResponse is one symbol's verdict within ValidateResponse.
type SymbolVerdictResponse struct {
	SymbolID  int64     `json:"symbol_id"`
	Venue     string    `json:"venue"`
	Code      string    `json:"code"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Freshness bool      `json:"freshness"`
	Structure bool      `json:"structure"`
	Quality   bool      `json:"quality"`
	Frequency bool      `json:"frequency"`
	Pass      bool      `json:"pass"`
	Failures  []string  `json:"failures,omitempty"`
}

// ValidateResponse is the body of GET /validate.
type ValidateResponse struct {
	CheckedAt time.Time               `json:"checked_at"`
	Pass      bool                    `json:"pass"`
	Symbols   []SymbolVerdictResponse `json:"symbols"`
}

// ErrorResponse represents a generic API error.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
