package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chain-event-ingest/internal/adapter"
	"chain-event-ingest/internal/backfill"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/observability"
	"chain-event-ingest/internal/pipeline"
	"chain-event-ingest/internal/storage"
)

// Backfiller runs a lookback backfill on demand.
type Backfiller interface {
	RunLookback(ctx context.Context, hours int, trigger domain.RunTrigger) (*domain.ProcessingRun, error)
}

// RunLister lists recent backfill runs.
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*domain.ProcessingRun, error)
}

// Config configures the HTTP surface.
type Config struct {
	Network              string // network stamped on every webhook event
	SignatureHeader      string // default X-Signature
	AdminSecret          string // shared secret of /backfill and /admin, empty disables them
	MaxBodyBytes         int64  // default 5 MiB
	DefaultLookbackHours int    // default 1
	MaxLookbackHours     int    // default 168
	RunsLimit            int    // default page size of /admin/runs
}

// Server routes webhook deliveries into the pipeline.
type Server struct {
	cfg       Config
	processor *pipeline.Processor
	verifier  *Verifier
	limiter   *SlidingWindowLimiter
	backfill  Backfiller
	runs      RunLister
	logger    *log.Logger
	router    *mux.Router
}

// Options carries the collaborators of a Server. Backfill and Runs are optional.
type Options struct {
	Processor *pipeline.Processor
	Verifier  *Verifier
	Limiter   *SlidingWindowLimiter
	Backfill  Backfiller
	Runs      RunLister
	Logger    *log.Logger
}

// NewServer creates the HTTP surface.
func NewServer(cfg Config, opts Options) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if cfg.DefaultLookbackHours <= 0 {
		cfg.DefaultLookbackHours = 1
	}
	if cfg.MaxLookbackHours <= 0 {
		cfg.MaxLookbackHours = 168
	}
	if cfg.RunsLimit <= 0 {
		cfg.RunsLimit = 20
	}

	s := &Server{
		cfg:       cfg,
		processor: opts.Processor,
		verifier:  opts.Verifier,
		limiter:   opts.Limiter,
		backfill:  opts.Backfill,
		runs:      opts.Runs,
		logger:    opts.Logger,
		router:    mux.NewRouter(),
	}
	if s.verifier == nil {
		s.verifier = NewVerifier(nil, false)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", observability.Handler()).Methods("GET")

	s.router.HandleFunc("/webhooks/{endpoint}", s.handleWebhook).Methods("POST")
	s.router.HandleFunc("/webhooks/{endpoint}", s.handleWebhookPing).Methods("GET")

	s.router.HandleFunc("/backfill", s.handleBackfill).Methods("GET", "POST")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reprocess", s.handleReprocess).Methods("POST")
	admin.HandleFunc("/runs", s.handleRuns).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebhookPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"endpoint": mux.Vars(r)["endpoint"],
	})
}

// batchResponse is the acknowledgement body of a webhook delivery.
type batchResponse struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]

	if s.limiter != nil {
		identity := ClientIdentity(r)
		if !s.limiter.Allow(identity) {
			observability.RecordRateLimited(endpoint)
			observability.RecordWebhookRequest(endpoint, "429", 0)
			retry := int(math.Ceil(s.limiter.RetryAfter(identity).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		observability.RecordWebhookRequest(endpoint, "400", 0)
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	verdict := s.verifier.Verify(endpoint, body, r.Header.Get(s.cfg.SignatureHeader))
	observability.RecordSignatureVerdict(verdict.String())
	switch verdict {
	case VerdictMismatch:
		s.logger.Printf("WARN: signature mismatch on endpoint %s", endpoint)
	case VerdictSkippedNoHeader:
		s.logger.Printf("WARN: signature header missing on endpoint %s", endpoint)
	case VerdictSkippedNoSecret:
		s.logger.Printf("WARN: signature check skipped, no secret for endpoint %s", endpoint)
	}
	if s.verifier.Rejects(verdict) {
		observability.RecordWebhookRequest(endpoint, "401", 0)
		writeError(w, http.StatusUnauthorized, ErrSignatureMismatch.Error())
		return
	}

	batch, err := adapter.Normalize(s.cfg.Network, body)
	if err != nil {
		s.logger.Printf("WARN: endpoint %s: %v", endpoint, err)
		observability.RecordWebhookRequest(endpoint, "400", 0)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if batch.Shape == adapter.ShapeUnknown {
		s.logger.Printf("WARN: endpoint %s: unrecognized payload shape, acknowledged with zero events", endpoint)
	}
	if len(batch.Invalid) > 0 {
		s.logger.Printf("WARN: endpoint %s: dropped %d invalid logs: %v", endpoint, len(batch.Invalid), batch.Invalid[0])
	}

	result, err := s.processor.Process(r.Context(), batch.Events, domain.SourceWebhook)
	if err != nil {
		s.logger.Printf("Endpoint %s: batch aborted: %v", endpoint, err)
		observability.RecordWebhookRequest(endpoint, "500", len(batch.Events))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	observability.RecordWebhookRequest(endpoint, "200", len(batch.Events))
	observability.MarkWebhookReceived(time.Now().Unix())
	writeJSON(w, http.StatusOK, batchResponse{
		Processed: result.Processed,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
		Total:     result.Total,
	})
}

// runResponse is the JSON form of a ProcessingRun.
type runResponse struct {
	ID              string     `json:"id"`
	Network         string     `json:"network"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	FromBlock       uint64     `json:"fromBlock"`
	ToBlock         uint64     `json:"toBlock"`
	ChunkSize       uint64     `json:"chunkSize"`
	ChunksTotal     int        `json:"chunksTotal"`
	ChunksFailed    int        `json:"chunksFailed"`
	EventsFound     int        `json:"eventsFound"`
	EventsNew       int        `json:"eventsNew"`
	Processed       int        `json:"processed"`
	Failed          int        `json:"failed"`
	PendingRetried  int        `json:"pendingRetried"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	DurationSeconds float64    `json:"durationSeconds"`
}

func toRunResponse(r *domain.ProcessingRun) runResponse {
	return runResponse{
		ID:              r.ID.String(),
		Network:         r.Network,
		Trigger:         string(r.Trigger),
		Status:          string(r.Status),
		FromBlock:       r.FromBlock,
		ToBlock:         r.ToBlock,
		ChunkSize:       r.ChunkSize,
		ChunksTotal:     r.ChunksTotal,
		ChunksFailed:    r.ChunksFailed,
		EventsFound:     r.EventsFound,
		EventsNew:       r.EventsNew,
		Processed:       r.EventsProcessed,
		Failed:          r.EventsFailed,
		PendingRetried:  r.PendingRetried,
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationSeconds: r.Duration.Seconds(),
	}
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if s.backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}

	hours := s.cfg.DefaultLookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > s.cfg.MaxLookbackHours {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", s.cfg.MaxLookbackHours))
			return
		}
		hours = n
	}

	run, err := s.backfill.RunLookback(r.Context(), hours, domain.TriggerManual)
	if errors.Is(err, backfill.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil && run == nil {
		s.logger.Printf("Manual backfill failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if run.Status == domain.RunFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toRunResponse(run))
}

// reprocessRequest identifies one record by natural key.
type reprocessRequest struct {
	Network  string `json:"network"`
	TxHash   string `json:"txHash"`
	LogIndex uint64 `json:"logIndex"`
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	var req reprocessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TxHash == "" {
		writeError(w, http.StatusBadRequest, "txHash is required")
		return
	}
	if req.Network == "" {
		req.Network = s.cfg.Network
	}

	// Keys are stored normalized
	e, err := domain.NewCanonicalEvent(domain.EventInput{
		Network:         req.Network,
		ContractAddress: "0x0",
		Topics:          []string{"0x0"},
		TransactionHash: req.TxHash,
		LogIndex:        req.LogIndex,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.processor.Reprocess(r.Context(), e.Key())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, storage.ErrStatusConflict):
		writeError(w, http.StatusConflict, "record is not failed or pending")
	case err != nil:
		s.logger.Printf("Reprocess %s failed: %v", e.Key(), err)
		writeError(w, http.StatusInternalServerError, "reprocess failed")
	default:
		s.logger.Printf("Reprocessed %s: %s", e.Key(), outcome.Kind)
		writeJSON(w, http.StatusOK, map[string]string{
			"key":     e.Key().String(),
			"outcome": string(outcome.Kind),
			"reason":  outcome.Reason,
		})
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return
	}

	limit := s.cfg.RunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// authorized checks the shared admin secret from the query string or the
// X-Admin-Secret header, and writes 401 when it does not match.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	given := r.URL.Query().Get("secret")
	if given == "" {
		given = r.Header.Get("X-Admin-Secret")
	}
	if s.cfg.AdminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.AdminSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
