package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/dispatch"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/session"
)

// Searches is the session manager as seen by the API.
type Searches interface {
	Submit(ctx context.Context, in session.SubmitInput) (string, error)
	Status(ctx context.Context, id string) (models.SearchRequest, error)
	Cancel(ctx context.Context, id string) (models.SearchRequest, error)
}

// Participants is the presence service as seen by the API.
type Participants interface {
	Upsert(ctx context.Context, p models.Participant) (models.Participant, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.Participant, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	DefaultRadiusMeters float64
	MaxRadiusMeters     float64
	CORSOrigins         []string
	StreamPingInterval  time.Duration
	ReadyChecks         map[string]ReadyCheck
}

type Server struct {
	searches     Searches
	participants Participants
	hub          *dispatch.Hub
	opts         Options
	logger       *slog.Logger
	mux          *mux.Router
	handler      http.Handler
}

func NewServer(searches Searches, participants Participants, hub *dispatch.Hub, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.DefaultRadiusMeters <= 0 {
		opts.DefaultRadiusMeters = 3000
	}
	if opts.MaxRadiusMeters <= 0 {
		opts.MaxRadiusMeters = 50000
	}
	if opts.StreamPingInterval <= 0 {
		opts.StreamPingInterval = 20 * time.Second
	}
	if hub == nil {
		hub = dispatch.NewHub(logger)
	}
	s := &Server{searches: searches, participants: participants, hub: hub, opts: opts, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = s.corsMiddleware(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/search", s.handleSubmitSearch).Methods(http.MethodPost)
	s.mux.HandleFunc("/search/{id}", s.handleGetSearch).Methods(http.MethodGet)
	s.mux.HandleFunc("/search/{id}/cancel", s.handleCancelSearch).Methods(http.MethodPost)
	s.mux.HandleFunc("/search/{id}/stream", s.handleStreamSearch).Methods(http.MethodGet)
	s.mux.HandleFunc("/participants/{id}", s.handlePutParticipant).Methods(http.MethodPut)
	s.mux.HandleFunc("/participants/{id}", s.handleGetParticipant).Methods(http.MethodGet)
	s.mux.HandleFunc("/participants/{id}", s.handleDeleteParticipant).Methods(http.MethodDelete)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

type submitSearchRequest struct {
	RequesterID  string      `json:"requesterId"`
	Role         models.Role `json:"role"`
	Latitude     *float64    `json:"latitude"`
	Longitude    *float64    `json:"longitude"`
	RadiusMeters *float64    `json:"radiusMeters"`
}

type searchView struct {
	RequestID   string              `json:"requestId"`
	Status      models.SearchStatus `json:"status"`
	Results     []models.Match      `json:"results,omitempty"`
	Failure     string              `json:"failure,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

func newSearchView(r models.SearchRequest) searchView {
	v := searchView{RequestID: r.ID, Status: r.Status, Failure: r.Failure, CreatedAt: r.CreatedAt}
	if r.Status == models.StatusReady {
		v.Results = r.Results
		if v.Results == nil {
			v.Results = []models.Match{}
		}
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func (s *Server) handleSubmitSearch(w http.ResponseWriter, r *http.Request) {
	var body submitSearchRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		s.writeError(w, r, apperr.InvalidArgument("latitude and longitude are required"))
		return
	}
	radius := s.opts.DefaultRadiusMeters
	if body.RadiusMeters != nil {
		radius = *body.RadiusMeters
	}
	if !(radius > 0) || radius > s.opts.MaxRadiusMeters {
		s.writeError(w, r, apperr.InvalidArgument("radiusMeters must be in (0, %v], got %v", s.opts.MaxRadiusMeters, radius))
		return
	}
	id, err := s.searches.Submit(r.Context(), session.SubmitInput{
		RequesterID:  body.RequesterID,
		Role:         body.Role,
		Origin:       models.Location{Lat: *body.Latitude, Lon: *body.Longitude},
		RadiusMeters: radius,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/search/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	req, err := s.searches.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSearchView(req))
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	req, err := s.searches.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.SearchStatus{"status": req.Status})
}

type participantRequest struct {
	Role      models.Role `json:"role"`
	Name      string      `json:"name"`
	Latitude  *float64    `json:"latitude"`
	Longitude *float64    `json:"longitude"`
	Available *bool       `json:"available"`
}

func (s *Server) handlePutParticipant(w http.ResponseWriter, r *http.Request) {
	var body participantRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		s.writeError(w, r, apperr.InvalidArgument("latitude and longitude are required"))
		return
	}
	available := true
	if body.Available != nil {
		available = *body.Available
	}
	_, err := s.participants.Upsert(r.Context(), models.Participant{
		ID:        mux.Vars(r)["id"],
		Role:      body.Role,
		Name:      strings.TrimSpace(body.Name),
		Loc:       models.Location{Lat: *body.Latitude, Lon: *body.Longitude},
		Available: available,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.participants.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.participants.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.opts.ReadyChecks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidArgument("request body is required")
		}
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "malformed JSON body")
	}
	return nil
}

type errorBody struct {
	Error   apperr.Code `json:"error"`
	Message string      `json:"message"`
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidLocation, apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeDuplicateRequest, apperr.CodeInvalidState:
		return http.StatusConflict
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if status >= 500 {
		s.logger.Error("request failed", "request_id", requestIDFromContext(r.Context()), "code", code, "error", err)
		if code == apperr.CodeInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
