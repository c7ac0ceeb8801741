// Package httpapi exposes submission and operator endpoints over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/httpx"
)

const maxBodyBytes = 256 << 10

type Submitter interface {
	Submit(ctx context.Context, raw domain.Submission) (string, error)
}

type ReportReader interface {
	GetReport(ctx context.Context, id string) (domain.Report, error)
	ListAudit(ctx context.Context, reportID string) ([]domain.AuditEntry, error)
	ListPatchRecords(ctx context.Context, reportID string) ([]domain.PatchRecord, error)
}

type RollbackRunner interface {
	Rollback(ctx context.Context, reportID, actor string) (domain.Report, error)
}

type Options struct {
	Intake        Submitter
	Reports       ReportReader
	Rollback      RollbackRunner
	OperatorToken string
	Ping          func(ctx context.Context) error
	Logger        logrus.FieldLogger
}

type Server struct {
	intake        Submitter
	reports       ReportReader
	rollback      RollbackRunner
	operatorToken string
	ping          func(ctx context.Context) error
	logger        logrus.FieldLogger
	now           func() time.Time
}

func New(opts Options) *Server {
	return &Server{
		intake:        opts.Intake,
		reports:       opts.Reports,
		rollback:      opts.Rollback,
		operatorToken: opts.OperatorToken,
		ping:          opts.Ping,
		logger:        opts.Logger.WithField("component", "http"),
		now:           time.Now,
	}
}

// Router mounts operator routes only when an operator token is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)
	r.Post("/api/bug-reports", s.handleSubmit(domain.KindBug))
	r.Post("/api/suggestions", s.handleSubmit(domain.KindSuggestion))

	if s.operatorToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Get("/api/reports/{id}", s.handleGetReport)
			r.Get("/api/reports/{id}/audit", s.handleGetAudit)
			r.Get("/api/reports/{id}/patches", s.handleGetPatches)
			r.Post("/api/reports/{id}/rollback", s.handleRollback)
		})
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   s.now().Sub(start).Round(time.Millisecond).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.operatorToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="healbot"`)
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.WithError(err).Warn("health check failed")
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type logRequest struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type submissionRequest struct {
	SubmitterID    string       `json:"submitterId"`
	SubmitterLabel string       `json:"submitterLabel"`
	Description    string       `json:"description"`
	SuggestionText string       `json:"suggestionText"`
	Logs           []logRequest `json:"logs"`
	UserAgent      string       `json:"userAgent"`
	SourceURL      string       `json:"sourceUrl"`
	SubmittedAt    string       `json:"submittedAt"`
}

func (s *Server) handleSubmit(kind domain.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpx.Error(w, http.StatusBadRequest, "request body too large")
				return
			}
			httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		sub := domain.Submission{
			Kind:           kind,
			SubmitterID:    req.SubmitterID,
			SubmitterLabel: req.SubmitterLabel,
			Text:           req.Description,
			SourceURL:      req.SourceURL,
			UserAgent:      req.UserAgent,
		}
		if kind == domain.KindSuggestion {
			sub.Text = req.SuggestionText
		}
		if req.SubmittedAt != "" {
			at, err := time.Parse(time.RFC3339, req.SubmittedAt)
			if err != nil {
				httpx.Error(w, http.StatusBadRequest, "submittedAt must be RFC3339")
				return
			}
			sub.SubmittedAt = at
		} else {
			sub.SubmittedAt = s.now()
		}
		for _, l := range req.Logs {
			entry := domain.LogEntry{Type: l.Type, Message: l.Message}
			if at, err := time.Parse(time.RFC3339, l.Timestamp); err == nil {
				entry.Timestamp = at
			}
			sub.Logs = append(sub.Logs, entry)
		}

		id, err := s.intake.Submit(r.Context(), sub)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "reportId": id})
	}
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newReportView(rep))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.reports.ListAudit(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newAuditView(e))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"reportId": id, "entries": views})
}

func (s *Server) handleGetPatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.reports.ListPatchRecords(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]patchView, 0, len(records))
	for _, rec := range records {
		views = append(views, newPatchView(rec))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"reportId": id, "patches": views})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get("X-Operator"))
	if len(actor) > 64 {
		actor = actor[:64]
	}
	if actor == "" {
		actor = "operator"
	}
	rep, err := s.rollback.Rollback(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "report": newReportView(rep)})
}

// writeError maps the error taxonomy onto HTTP statuses. Internal details
// never reach the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.Error
	msg := ""
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	switch apperrors.TypeOf(err) {
	case apperrors.TypeValidation:
		httpx.Error(w, http.StatusBadRequest, msg)
	case apperrors.TypeRateLimited:
		secs := int(apperrors.RetryAfterOf(err).Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		httpx.Error(w, http.StatusTooManyRequests, "too many submissions, try again later")
	case apperrors.TypeNotFound:
		httpx.Error(w, http.StatusNotFound, "not found")
	case apperrors.TypeInvalidTransition:
		httpx.Error(w, http.StatusConflict, msg)
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
