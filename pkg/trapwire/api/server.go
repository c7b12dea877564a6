// Package api exposes the read-only dashboard surface: recent telemetry,
// pipeline stats, the containment ledger, forensic exports, prometheus
// metrics, and a websocket mirror of the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/forensics"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// LedgerReader is the ledger query surface the API serves.
type LedgerReader interface {
	Entries(ctx context.Context, since, until time.Time, limit int) ([]event.LedgerEntry, error)
	Count(ctx context.Context) (int64, error)
}

// OffenderCounter reports how many offenders the aggregator tracks.
type OffenderCounter interface {
	Len() int
}

// Server is the dashboard HTTP server.
type Server struct {
	addr      string
	recent    *telemetry.RecentBuffer
	fanout    *telemetry.Fanout
	ledger    LedgerReader
	exporter  *forensics.Exporter
	offenders OffenderCounter
	metrics   http.Handler

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds the server. exporter, metrics, and offenders may be nil;
// their routes degrade gracefully.
func NewServer(addr string, recent *telemetry.RecentBuffer, fanout *telemetry.Fanout, ledger LedgerReader, exporter *forensics.Exporter, offenders OffenderCounter, metrics http.Handler) *Server {
	s := &Server{
		addr:      addr,
		recent:    recent,
		fanout:    fanout,
		ledger:    ledger,
		exporter:  exporter,
		offenders: offenders,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/ledger", s.handleLedger).Methods(http.MethodGet)
	r.HandleFunc("/api/forensics", s.handleForensics).Methods(http.MethodGet)
	r.HandleFunc("/api/download/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("Dashboard API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dashboard API server error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.recent.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"total_events":      s.recent.Total(),
		"publish_drops":     s.fanout.Dropped(),
		"tracked_offenders": 0,
		"ledger_entries":    int64(0),
	}
	if s.offenders != nil {
		stats["tracked_offenders"] = s.offenders.Len()
	}
	if s.ledger != nil {
		if n, err := s.ledger.Count(r.Context()); err == nil {
			stats["ledger_entries"] = n
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, []event.LedgerEntry{})
		return
	}

	q := r.URL.Query()
	since := parseTime(q.Get("since"))
	until := parseTime(q.Get("until"))
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := s.ledger.Entries(r.Context(), since, until, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
		return
	}
	if entries == nil {
		entries = []event.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleForensics(w http.ResponseWriter, _ *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusOK, []forensics.ExportRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.exporter.Recent())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.NotFound(w, r)
		return
	}
	name := mux.Vars(r)["name"]
	path, ok := s.exporter.FilePath(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	http.ServeFile(w, r, path)
}

// handleWS streams every published record to the client as JSON, mirroring
// the fan-out. Slow clients fall behind by dropping records, never by
// stalling the pipeline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	records, cancel := s.fanout.Subscribe()
	defer cancel()
	defer conn.Close()

	// Reader loop: consume control frames, detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug().Err(err).Msg("Websocket write failed, closing")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0)
	}
	return time.Time{}
}
