package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/ingestion"
	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"
	"github.com/UnlockdFinance/unlockd-ledger/internal/persistence"
	"github.com/UnlockdFinance/unlockd-ledger/internal/projection"
	"github.com/UnlockdFinance/unlockd-ledger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPServer serves the query API, admin surface, health probes, and
// Prometheus metrics. Writes never flow through here except the admin
// injection endpoint, which feeds the same channel as NATS ingestion.
type HTTPServer struct {
	server *http.Server
	deps   *ServerDeps
	log    zerolog.Logger
}

// ServerDeps holds everything the HTTP handlers need.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Activity      *projection.ActivityLog
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	// EventChan feeds the ingestion loop; admin injection shares the NATS
	// path so injected events get the same parse and dedup treatment.
	EventChan chan<- ingestion.RawEvent
	Subjects  []ingestion.SubjectConfig
	StartTime time.Time
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		deps: deps,
		log:  observability.NewLogger("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/reserves", s.listReserves)
		r.Get("/reserves/{asset}", s.getReserve)
		r.Get("/reserves/{asset}/strategies", s.getStrategies)

		r.Get("/users/{userID}/balances/{asset}", s.getUserBalance)
		r.Get("/users/{userID}/loans", s.getUserLoans)
		r.Get("/users/{userID}/journal", s.getJournalHistory)

		r.Get("/loans/{loanID}", s.getLoan)
		r.Get("/loans/{loanID}/history", s.getLoanHistory)

		r.Get("/activity", s.getActivity)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/events", s.injectEvent)
			r.Post("/rebuild-balances", s.rebuildBalances)
			r.Get("/integrity", s.verifyIntegrity)
			r.Get("/event-log", s.eventLogInfo)
		})
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Query handlers ---

func (s *HTTPServer) listReserves(w http.ResponseWriter, r *http.Request) {
	reserves, err := s.deps.QueryService.ListReserves(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reserves": reserves})
}

func (s *HTTPServer) getReserve(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	reserve, err := s.deps.QueryService.GetReserve(r.Context(), asset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reserve == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown reserve %s", asset))
		return
	}
	s.writeJSON(w, http.StatusOK, reserve)
}

func (s *HTTPServer) getStrategies(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	strategies, err := s.deps.QueryService.GetStrategies(r.Context(), asset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": strategies})
}

func (s *HTTPServer) getUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id: %w", err))
		return
	}
	asset := chi.URLParam(r, "asset")

	balance, err := s.deps.QueryService.GetUserBalance(r.Context(), userID, asset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *HTTPServer) getUserLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id: %w", err))
		return
	}

	loans, err := s.deps.QueryService.GetLoansByBorrower(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"loans": loans})
}

func (s *HTTPServer) getLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid loan id: %w", err))
		return
	}

	loan, err := s.deps.QueryService.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if loan == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown loan %s", loanID))
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *HTTPServer) getLoanHistory(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid loan id: %w", err))
		return
	}

	limit := queryInt(r, "limit", 50, 500)
	before := queryCursor(r, "before")

	history, err := s.deps.QueryService.GetLoanHistory(r.Context(), loanID, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (s *HTTPServer) getJournalHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id: %w", err))
		return
	}

	limit := queryInt(r, "limit", 100, 500)
	before := queryCursor(r, "before")

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), userID, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"journal": entries})
}

func (s *HTTPServer) getActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"activity": []struct{}{}})
		return
	}
	limit := queryInt(r, "limit", 50, 256)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activity": s.deps.Activity.Recent(limit),
	})
}

// --- Admin handlers ---

type injectEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// injectEvent feeds an event into the same channel NATS ingestion uses,
// for backfill and operational repair. The event still goes through the
// parser, dedup, and sequence validation.
func (s *HTTPServer) injectEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventChan == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion not running"))
		return
	}

	var req injectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	subject, ok := subjectForEventType(req.EventType, s.deps.Subjects)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown event_type %q", req.EventType))
		return
	}

	// Parse up front so the caller gets a synchronous syntax error instead
	// of a silent drop in the ingestion loop.
	raw := ingestion.RawEvent{
		Subject:   subject,
		Data:      req.Payload,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
	if _, err := ingestion.ParseRawEvent(raw, req.EventType); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case s.deps.EventChan <- raw:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
	case <-r.Context().Done():
		s.writeError(w, http.StatusRequestTimeout, r.Context().Err())
	}
}

func (s *HTTPServer) rebuildBalances(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildBalances(r.Context(), s.deps.DB); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) eventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence": latestSeq,
		"uptime":        time.Since(s.deps.StartTime).String(),
	})
}

// --- helpers ---

func subjectForEventType(eventType string, subjects []ingestion.SubjectConfig) (string, bool) {
	for _, cfg := range subjects {
		if cfg.EventType == eventType {
			// Replace the trailing wildcard with an admin marker so the
			// ingestion loop resolves the type by prefix as usual.
			return cfg.Subject[:len(cfg.Subject)-1] + "admin", true
		}
	}
	return "", false
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryCursor(r *http.Request, name string) *int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
