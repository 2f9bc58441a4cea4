package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notehub/api/internal/ranking"
)

// retryAfterSeconds is sent with 503 responses while vote storage is down.
const retryAfterSeconds = "5"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	gatherer   prometheus.Gatherer
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, gatherer prometheus.Gatherer, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, gatherer: gatherer, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Ops-Token"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/notes", func(r chi.Router) {
		r.Get("/", s.handleListNotes)
		r.Post("/{noteID}/vote", s.handleVote)
		r.Get("/{noteID}/votes", s.handleCounts)
	})
	r.Get("/api/workspaces/{workspaceID}/notes", s.handleListWorkspaceNotes)
	r.Post("/api/admin/reconcile", s.handleReconcile)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	for name, err := range s.service.Ready(r.Context()) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	noteID, ok := pathID(w, r, "noteID")
	if !ok {
		return
	}

	var body struct {
		Vote string `json:"vote"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.RecordVote(r.Context(), noteID, userID, body.Vote)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	data := map[string]any{"votes": result.Tally}
	if result.Degraded {
		data["degraded"] = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *HTTPServer) handleCounts(w http.ResponseWriter, r *http.Request) {
	noteID, ok := pathID(w, r, "noteID")
	if !ok {
		return
	}
	tally, err := s.service.Counts(r.Context(), noteID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"votes": tally}})
}

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request) {
	var workspaceID int64
	if raw := r.URL.Query().Get("workspaceId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "workspaceId must be a positive integer", nil)
			return
		}
		workspaceID = id
	}
	s.listNotes(w, r, workspaceID)
}

func (s *HTTPServer) handleListWorkspaceNotes(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathID(w, r, "workspaceID")
	if !ok {
		return
	}
	s.listNotes(w, r, workspaceID)
}

func (s *HTTPServer) listNotes(w http.ResponseWriter, r *http.Request, workspaceID int64) {
	query := r.URL.Query()
	perPage, err := optionalInt(query.Get("per_page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "per_page must be an integer", nil)
		return
	}
	lastID, err := optionalInt(query.Get("last_id"))
	if err != nil || lastID < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "last_id must be a non-negative integer", nil)
		return
	}

	page, err := s.service.ListNotes(r.Context(), ListInput{
		WorkspaceID: workspaceID,
		Sort:        query.Get("sort"),
		PerPage:     int(perPage),
		LastID:      lastID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse(page))
}

func pageResponse(page ranking.Page) map[string]any {
	var next any
	if page.NextCursor > 0 {
		next = page.NextCursor
	}
	return map[string]any{
		"data":        page.NoteIDs,
		"next_cursor": next,
		"per_page":    page.PageSize,
	}
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.service.AuthorizeOps(r.Header.Get("X-Ops-Token")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.service.TriggerReconcile(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return 0, false
	}
	userID, err := s.service.UserFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return 0, false
	}
	return userID, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

func optionalInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
