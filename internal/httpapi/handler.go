package httpapi

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine is the queue surface the handlers drive.
type Engine interface {
	CreateTicket(ctx context.Context, prefix string, isPrioritized bool) (models.Ticket, error)
	CallNext(ctx context.Context, counterID string) (models.Ticket, error)
	StartServing(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	MarkServed(ctx context.Context, ticketID string) (models.Ticket, error)
	MarkLapsed(ctx context.Context, ticketID string) (models.Ticket, error)
	TransferTicket(ctx context.Context, ticketID, destinationServiceID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	ListPending(ctx context.Context, serviceID string) ([]models.Ticket, error)
	CounterStats(ctx context.Context, counterID string) (models.CounterStats, error)
	TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

type Handler struct {
	engine   Engine
	verifier Verifier
	realtime http.Handler
	log      *zap.Logger
}

type Options struct {
	// Verifier authenticates staff requests. Nil disables authentication.
	Verifier Verifier
	// Realtime is mounted at /realtime when set.
	Realtime http.Handler
	Logger   *zap.Logger
}

type createTicketRequest struct {
	Prefix        string `json:"prefix"`
	IsPrioritized bool   `json:"is_prioritized"`
}

type startServingRequest struct {
	CounterID string `json:"counter_id"`
}

type transferRequest struct {
	ServiceID string `json:"service_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine, options Options) *Handler {
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:   engine,
		verifier: options.Verifier,
		realtime: options.Realtime,
		log:      log,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())
	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}

	r.Route("/api", func(r chi.Router) {
		if h.verifier != nil {
			r.Use(AuthMiddleware(h.verifier))
		}
		r.Post("/tickets", h.handleCreateTicket)
		r.Get("/tickets/{ticketID}", h.handleGetTicket)
		r.Get("/tickets/{ticketID}/events", h.handleTicketEvents)
		r.Post("/tickets/{ticketID}/actions/{action}", h.handleTicketAction)
		r.Post("/counters/{counterID}/call-next", h.handleCallNext)
		r.Get("/counters/{counterID}/active", h.handleActiveTicket)
		r.Get("/counters/{counterID}/stats", h.handleCounterStats)
		r.Get("/services/{serviceID}/queue", h.handleServiceQueue)
	})
	return r
}

// Wrap puts the request id, access log and rate limiter in front of next.
// The id is assigned first so log lines and rejected requests carry it.
func Wrap(next http.Handler, log *zap.Logger, limiter *RateLimiter) http.Handler {
	if limiter != nil {
		next = limiter.Middleware(next)
	}
	return chimiddleware.RequestID(LoggingMiddleware(log)(next))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Prefix = strings.TrimSpace(req.Prefix)
	if req.Prefix == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "prefix is required")
		return
	}

	ticket, err := h.engine.CreateTicket(r.Context(), req.Prefix, req.IsPrioritized)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.TicketHistory(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	var (
		ticket models.Ticket
		err    error
	)
	switch chi.URLParam(r, "action") {
	case "start":
		var req startServingRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		ticket, err = h.engine.StartServing(r.Context(), ticketID, strings.TrimSpace(req.CounterID))
	case "serve":
		ticket, err = h.engine.MarkServed(r.Context(), ticketID)
	case "lapse":
		ticket, err = h.engine.MarkLapsed(r.Context(), ticketID)
	case "transfer":
		var req transferRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.ServiceID = strings.TrimSpace(req.ServiceID)
		if req.ServiceID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "service_id is required")
			return
		}
		ticket, err = h.engine.TransferTicket(r.Context(), ticketID, req.ServiceID)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.CallNext(r.Context(), chi.URLParam(r, "counterID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	ticket, ok, err := h.engine.ActiveTicket(r.Context(), chi.URLParam(r, "counterID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCounterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.CounterStats(r.Context(), chi.URLParam(r, "counterID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleServiceQueue(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.engine.ListPending(r.Context(), chi.URLParam(r, "serviceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFromRequest(r)),
			zap.Error(err),
		)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst)
}

func mapError(err error) (int, string, string) {
	switch {
	case store.IsNotFound(err):
		return notFound(err)
	case errors.Is(err, store.ErrNoTicketAvailable):
		return http.StatusNotFound, "queue_empty", "no tickets available"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has an active ticket"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "ticket assigned to different counter"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "conflict, please retry"
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func notFound(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	default:
		return http.StatusNotFound, "not_found", "not found"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDFromRequest(r *http.Request) string {
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
