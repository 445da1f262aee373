package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	values "pointcalc/internal/values/domain"
	vpapp "pointcalc/internal/virtualpoints/application"
	vp "pointcalc/internal/virtualpoints/domain"
	"pointcalc/internal/virtualpoints/graph"
)

const defaultHistoryLimit = 50

// Service is the scheduler surface the handler needs.
type Service interface {
	Recompute(ctx context.Context, id string) (vpapp.WaveReport, error)
	Snapshot() *graph.Snapshot
	Value(id string) (vp.Value, error)
	Stats(id string) (vp.Stats, error)
	State(id string) vpapp.State
}

// HistoryReader lists execution records, newest first.
type HistoryReader interface {
	List(ctx context.Context, pointID string, limit int) ([]vp.ExecutionRecord, error)
}

// Handler provides virtual point endpoints.
type Handler struct {
	service Service
	history HistoryReader
}

// NewHandler constructs a handler. history may be nil.
func NewHandler(service Service, history HistoryReader) (*Handler, error) {
	if service == nil {
		return nil, errors.New("virtual points handler: nil service")
	}
	return &Handler{service: service, history: history}, nil
}

// Routes mounts the virtual point endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/history", h.handleHistory)
	r.Post("/{id}/recompute", h.handleRecompute)
}

type pointSummary struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Trigger vp.Trigger `json:"trigger"`
	Enabled bool       `json:"enabled"`
	Rank    int        `json:"rank"`
	Error   string     `json:"error,omitempty"`
}

type pointDetail struct {
	Point     vp.VirtualPoint `json:"point"`
	Rank      int             `json:"rank"`
	Consumers []string        `json:"consumers"`
	Error     string          `json:"error,omitempty"`
	State     string          `json:"state"`
	Value     vp.Value        `json:"value"`
	Stats     vp.Stats        `json:"stats"`
	Version   uint64          `json:"graph_version"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	snap := h.service.Snapshot()
	points := snap.Points()
	out := make([]pointSummary, 0, len(points))
	for _, p := range points {
		summary := pointSummary{ID: p.ID, Name: p.Name, Trigger: p.Trigger, Enabled: p.Enabled, Rank: snap.Rank(p.ID)}
		if err := snap.Err(p.ID); err != nil {
			summary.Error = err.Error()
		}
		out = append(out, summary)
	}
	render.JSON(w, r, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.service.Snapshot()
	p, ok := snap.Point(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	detail := pointDetail{
		Point:     p,
		Rank:      snap.Rank(id),
		Consumers: snap.DirectConsumers(values.VirtualPointKey(id)),
		State:     h.service.State(id).String(),
		Version:   snap.Version(),
	}
	if detail.Consumers == nil {
		detail.Consumers = []string{}
	}
	if err := snap.Err(id); err != nil {
		detail.Error = err.Error()
	}
	var err error
	if detail.Value, err = h.service.Value(id); err != nil {
		respondError(w, err)
		return
	}
	if detail.Stats, err = h.service.Stats(id); err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, detail)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "history disabled", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.service.Snapshot().Point(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.history.List(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []vp.ExecutionRecord{}
	}
	render.JSON(w, r, records)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Recompute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, report)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vp.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, vp.ErrDisabled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, vp.ErrCycleDetected), errors.Is(err, vp.ErrMissingReference),
		errors.Is(err, vp.ErrInvalidDependency), errors.Is(err, vp.ErrInvalidPoint):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
