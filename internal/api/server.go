// Package api serves the operator REST API: thread and ticket inspection,
// approval and rejection outside email, and the in-memory log tail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/crafter/internal/logbuf"
	"github.com/h1v3-io/crafter/internal/orchestrator"
	"github.com/h1v3-io/crafter/internal/scheduler"
	"github.com/h1v3-io/crafter/internal/thread"
	"github.com/h1v3-io/crafter/internal/ticketlog"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Service is what the API server needs from the daemon.
type Service interface {
	ListThreads() ([]thread.Entry, error)
	GetThread(id string) (*protocol.ThreadRecord, bool, error)
	// FindByTicketID maps a ticket id to its thread id.
	FindByTicketID(ticketID string) (string, bool)
	ListTickets() []ticketlog.Entry
	Submit(job orchestrator.Job) (string, error)
}

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// ScheduleLister reports the registered maintenance jobs.
type ScheduleLister interface {
	Jobs() []scheduler.Entry
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the crafter REST API server.
type Server struct {
	svc      Service
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	schedule ScheduleLister
	metrics  http.Handler
	now      func() time.Time
	mux      *http.ServeMux
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithLogs serves GET /api/logs from q.
func WithLogs(q LogQuerier) Option { return func(s *Server) { s.logs = q } }

// WithSchedule serves GET /api/schedule from l.
func WithSchedule(l ScheduleLister) Option { return func(s *Server) { s.schedule = l } }

// WithMetrics mounts h at /metrics, outside Bearer auth.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// NewServer creates a new API server.
func NewServer(svc Service, cfg Config, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.mux = mux
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/threads", s.requireAuth(s.handleListThreads))
	mux.HandleFunc("GET /api/threads/{id}", s.requireAuth(s.handleGetThread))
	mux.HandleFunc("POST /api/threads/{id}/approve", s.requireAuth(s.handleApprove))
	mux.HandleFunc("POST /api/threads/{id}/reject", s.requireAuth(s.handleReject))
	mux.HandleFunc("POST /api/threads/{id}/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("POST /api/threads/{id}/pr", s.requireAuth(s.handleAttachPR))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/requests", s.requireAuth(s.handlePostRequest))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	mux.HandleFunc("GET /api/schedule", s.requireAuth(s.handleSchedule))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Mount registers an extra handler, such as the inbound email webhook, on
// the server's mux. Call it before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

// ThreadView is a thread record together with its id.
type ThreadView struct {
	ID string `json:"id"`
	*protocol.ThreadRecord
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListThreads()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state := protocol.State(strings.ToUpper(r.URL.Query().Get("state")))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}

	views := []ThreadView{}
	for _, e := range entries {
		if state != "" && e.Record.State != state {
			continue
		}
		views = append(views, ThreadView{ID: e.ID, ThreadRecord: e.Record})
	}
	if n := queryInt(r, "limit"); n > 0 && len(views) > n {
		views = views[len(views)-n:]
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ThreadView{ID: id, ThreadRecord: rec})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rec.State != protocol.StateAwaitingApproval {
		writeError(w, http.StatusConflict, fmt.Sprintf("thread is %s, not %s", rec.State, protocol.StateAwaitingApproval))
		return
	}
	s.submit(w, orchestrator.Job{Kind: orchestrator.JobApprove, ThreadID: id})
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body rejectRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if rec.State != protocol.StateAwaitingApproval {
		writeError(w, http.StatusConflict, fmt.Sprintf("thread is %s, not %s", rec.State, protocol.StateAwaitingApproval))
		return
	}
	s.submit(w, orchestrator.Job{Kind: orchestrator.JobReject, ThreadID: id, Feedback: body.Feedback})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rec.State.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("thread is %s", rec.State))
		return
	}
	s.submit(w, orchestrator.Job{Kind: orchestrator.JobResume, ThreadID: id})
}

type attachPRRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAttachPR(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body attachPRRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	s.submit(w, orchestrator.Job{Kind: orchestrator.JobAttachPR, ThreadID: id, URL: strings.TrimSpace(body.URL)})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(r.URL.Query().Get("status"))
	tickets := []ticketlog.Entry{}
	for _, e := range s.svc.ListTickets() {
		if status != "" && e.Status != status {
			continue
		}
		tickets = append(tickets, e)
	}
	if n := queryInt(r, "limit"); n > 0 && len(tickets) > n {
		tickets = tickets[len(tickets)-n:]
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, e := range s.svc.ListTickets() {
		if e.TicketID == id {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeError(w, http.StatusNotFound, "ticket not found")
}

// PostRequest is the body of POST /api/requests: an email-equivalent
// request injected without the mail bridge.
type PostRequest struct {
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	ThreadID  string `json:"thread_id,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

func (s *Server) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	var body PostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.From) == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	messageID := "<" + uuid.NewString() + "@crafter>"
	req := protocol.Request{
		MessageID:  messageID,
		ThreadID:   strings.TrimSpace(body.ThreadID),
		InReplyTo:  strings.TrimSpace(body.InReplyTo),
		From:       strings.TrimSpace(body.From),
		Subject:    strings.TrimSpace(body.Subject),
		Body:       strings.TrimSpace(body.Body),
		ReceivedAt: s.now(),
	}
	jobID, err := s.svc.Submit(orchestrator.Job{Kind: orchestrator.JobInbound, ThreadID: req.ThreadID, Request: req})
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": jobID, "message_id": messageID})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	f := logbuf.Filter{
		MinLevel: slog.LevelDebug,
		Thread:   r.URL.Query().Get("thread"),
		Limit:    200,
	}
	if n := queryInt(r, "limit"); n > 0 {
		f.Limit = n
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = ts
		} else {
			writeError(w, http.StatusBadRequest, "since must be unix milliseconds or RFC 3339")
			return
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	if s.schedule == nil {
		writeJSON(w, http.StatusOK, []scheduler.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.schedule.Jobs())
}

// --- Helpers ---

// lookup resolves the {id} path value as a thread id or, failing that, a
// ticket id. It writes the error response itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (string, *protocol.ThreadRecord, bool) {
	id := r.PathValue("id")
	rec, ok, err := s.svc.GetThread(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", nil, false
	}
	if !ok {
		if tid, found := s.svc.FindByTicketID(id); found {
			id = tid
			rec, ok, err = s.svc.GetThread(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return "", nil, false
			}
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return "", nil, false
	}
	return id, rec, true
}

func (s *Server) submit(w http.ResponseWriter, job orchestrator.Job) {
	jobID, err := s.svc.Submit(job)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	s.logger.Info("api job queued", "kind", job.Kind, "thread", job.ThreadID, "job", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": jobID, "thread_id": job.ThreadID})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrQueueFull) || errors.Is(err, orchestrator.ErrQueueClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
