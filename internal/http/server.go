package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/config"
	"github.com/sawpanic/mdingest/internal/control"
	"github.com/sawpanic/mdingest/internal/telemetry"
)

// Server wires an internal/control.Engine onto a stdlib ServeMux,
// matching cmd/cryptorun/monitor_main.go's preference for net/http over
// a routing framework.
type Server struct {
	engine  *control.Engine
	metrics *telemetry.Registry
	bus     *telemetry.Bus
	base    config.Config

	mux *http.ServeMux
}

// NewServer builds the Control Plane's HTTP surface. base supplies the
// defaults a bare POST /start (with only symbols/channels) is layered
// onto.
func NewServer(engine *control.Engine, metrics *telemetry.Registry, bus *telemetry.Bus, base config.Config) *Server {
	s := &Server{engine: engine, metrics: metrics, bus: bus, base: base, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/restart", s.handleRestart)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/dbstats", s.handleDBStats)
	s.mux.HandleFunc("/validate", s.handleValidate)
	s.mux.HandleFunc("/telemetry/stream", s.handleTelemetryStream)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	cfg := s.base
	if len(req.Symbols) > 0 {
		cfg.Symbols = req.Symbols
	}
	if len(req.Channels) > 0 {
		channels := make([]config.Channel, len(req.Channels))
		for i, c := range req.Channels {
			channels[i] = config.Channel(c)
		}
		cfg.Channels = channels
	}
	if req.LogLevel != "" {
		cfg.LogLevel = req.LogLevel
	}
	if req.ShardPlanOverrides != "" {
		cfg.ShardPlanOverrides = req.ShardPlanOverrides
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.BatchMaxAge != "" {
		if d, err := time.ParseDuration(req.BatchMaxAge); err == nil {
			cfg.BatchMaxAge = d
		}
	}
	if req.Shards > 0 {
		cfg.Shards = req.Shards
	}

	outcome, err := s.engine.Start(r.Context(), cfg)
	resp := StartResponse{Outcome: string(outcome)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, statusFor(outcome), resp)
}

func statusFor(outcome control.StartOutcome) int {
	switch outcome {
	case control.StartAccepted, control.StartAlreadyRunning:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StopResponse{Outcome: "accepted"}
	if err := s.engine.Stop(r.Context()); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	outcome, err := s.engine.Restart(r.Context())
	resp := StartResponse{Outcome: string(outcome)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, statusFor(outcome), resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:        st.Running,
		StartedAt:      st.StartedAt,
		Shards:         st.Shards,
		ChannelRates:   st.ChannelRates,
		ConnLatencyP99: st.ConnLatencyP99,
		Subscribers:    st.Subscribers,
		LastError:      st.LastError,
		UnhealthyConns: st.UnhealthyConns,
		DegradedShards: st.DegradedShards,
	})
}

func (s *Server) handleDBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DBStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rows := make([]SymbolCountsResponse, len(stats.Symbols))
	for i, c := range stats.Symbols {
		rows[i] = SymbolCountsResponse{SymbolID: c.SymbolID, LastMinute: c.LastMinute, LastHour: c.LastHour, LastSeen: c.LastSeen}
	}
	writeJSON(w, http.StatusOK, DBStatsResponse{Symbols: rows})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Validate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	symbols := make([]SymbolVerdictResponse, len(result.Symbols))
	for i, v := range result.Symbols {
		symbols[i] = SymbolVerdictResponse{
			SymbolID: v.SymbolID, Venue: v.Venue, Code: v.Code, LastSeen: v.LastSeen,
			Freshness: v.Freshness, Structure: v.Structure, Quality: v.Quality, Frequency: v.Frequency,
			Pass: v.Pass, Failures: v.Failures,
		}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{CheckedAt: result.CheckedAt, Pass: result.Pass, Symbols: symbols})
}

// handleTelemetryStream pushes newline-delimited JSON telemetry.Event
// values at up to a 5s cadence per spec §4.8, disconnecting the
// subscriber (via the bus's own slow-consumer handling) if the client
// stops reading.
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				log.Debug().Err(err).Msg("http: telemetry stream encode failed, client likely gone")
				return
			}
			flusher.Flush()
		case <-ticker.C:
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("http: response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: fmt.Sprint(err), Timestamp: time.Now().UTC()})
}
