package peer

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/syncer"
)

// OperatorHeader names the acting operator of an API import.
const OperatorHeader = "X-Operator"

// maxBody bounds request bodies.
const maxBody = 32 << 20

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	// Addr to listen on, e.g. ":3001"
	Addr string

	// Token, when set, is required as a bearer token on /sync and /api/v1
	Token string

	// Logger for request activity
	Logger *zap.Logger
}

// Server exposes a Service over HTTP.
type Server struct {
	svc    *Service
	hub    *Hub
	config ServerConfig
	log    *zap.Logger
	router *mux.Router
}

// NewServer wires the routes. hub may be nil to disable the /ws feed.
func NewServer(svc *Service, hub *Hub, config ServerConfig) *Server {
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		hub:    hub,
		config: config,
		log:    log,
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods(http.MethodGet)
	}
	r.Handle(syncer.SyncPath, s.authenticate(http.HandlerFunc(s.handleSync))).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/blocks", s.handleListBlocks).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}", s.handleGetBlock).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)

	s.router = r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("peer listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.log.Info("peer stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.config.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": syncer.ProtocolVersion,
		"clients":  clients,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := syncer.CheckProtocol(r.Header.Get(syncer.ProtocolHeader)); err != nil {
		writeError(w, http.StatusPreconditionFailed, err)
		return
	}

	var req syncer.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sync request: %w", err))
		return
	}

	resp, err := s.svc.Sync(r.Context(), &req)
	if err != nil {
		s.log.Error("sync exchange failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set(syncer.ProtocolHeader, syncer.ProtocolVersion)
	writeJSON(w, http.StatusOK, resp)
}

// BlockView is a block with its derived status.
type BlockView struct {
	*schema.Block
	Status schema.Status `json:"status"`
}

func (s *Server) view(b *schema.Block) BlockView {
	return BlockView{Block: b, Status: s.svc.Tracker().BlockStatus(b)}
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	tr := s.svc.Tracker()

	var blocks []*schema.Block
	var err error
	if operator := r.URL.Query().Get("operator"); operator != "" {
		blocks, err = tr.GetBlocksByOperator(r.Context(), operator)
	} else {
		blocks, err = tr.GetAllBlocks(r.Context())
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	out := make([]BlockView, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, s.view(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Tracker().GetBlockByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(b))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := ParseBound(q.Get("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	end, err := ParseBound(q.Get("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}

	stats, err := s.svc.Tracker().GetOperationsStats(r.Context(), start, end)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format := schema.FormatJSON
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = schema.FormatYAML
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}
	records, err := schema.DecodeRecords(data, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid records: %w", err))
		return
	}

	stored, err := s.svc.Tracker().ImportRecords(r.Context(), r.Header.Get(OperatorHeader), records)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"imported": len(stored)})
}

// ParseBound parses a stats window bound given as RFC3339 or YYYY-MM-DD.
// A date-only end bound covers the whole day. Empty means unbounded.
func ParseBound(v string, end bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func statusFor(err error) int {
	switch {
	case schema.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string              `json:"error"`
	Fields []schema.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
