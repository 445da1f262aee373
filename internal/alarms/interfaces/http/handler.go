package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	alarms "pointcalc/internal/alarms/domain"
	values "pointcalc/internal/values/domain"
)

const (
	timeLayout  = time.RFC3339
	actorHeader = "X-Actor"
)

// Service is the occurrence API the handler needs.
type Service interface {
	Get(ctx context.Context, id string) (alarms.Occurrence, error)
	List(ctx context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error)
	Acknowledge(ctx context.Context, id, by, comment string) (alarms.Occurrence, error)
	Clear(ctx context.Context, id, by, comment string) (alarms.Occurrence, error)
}

// Handler provides alarm occurrence endpoints.
type Handler struct {
	service Service
}

// NewHandler constructs a handler.
func NewHandler(service Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	return &Handler{service: service}, nil
}

// Routes mounts the occurrence endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/occurrences", h.handleList)
	r.Get("/occurrences/{id}", h.handleGet)
	r.Post("/occurrences/{id}/ack", h.handleAction(h.service.Acknowledge))
	r.Post("/occurrences/{id}/clear", h.handleAction(h.service.Clear))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []alarms.Occurrence{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	occ, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, occ)
}

type actionRequest struct {
	By      string `json:"by"`
	Comment string `json:"comment"`
}

func (h *Handler) handleAction(action func(ctx context.Context, id, by, comment string) (alarms.Occurrence, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}
		if actor := r.Header.Get(actorHeader); actor != "" {
			req.By = actor
		}
		if req.By == "" {
			http.Error(w, "actor is required", http.StatusBadRequest)
			return
		}
		occ, err := action(r.Context(), chi.URLParam(r, "id"), req.By, req.Comment)
		if err != nil {
			respondError(w, err)
			return
		}
		render.JSON(w, r, occ)
	}
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseFilter(r *http.Request) (alarms.OccurrenceFilter, error) {
	q := r.URL.Query()
	filter := alarms.OccurrenceFilter{
		RuleID: q.Get("rule_id"),
		State:  alarms.State(q.Get("state")),
	}
	switch filter.State {
	case "", alarms.StateActive, alarms.StateAcknowledged, alarms.StateCleared:
	default:
		return filter, errors.New("state must be active, acknowledged or cleared")
	}
	if id := q.Get("point_id"); id != "" {
		kind := values.Kind(q.Get("point_kind"))
		if kind == "" {
			kind = values.KindDataPoint
		}
		key := values.Key{Kind: kind, ID: id}
		if err := key.Validate(); err != nil {
			return filter, err
		}
		filter.Target = &key
	}
	var err error
	if filter.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseTime(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
