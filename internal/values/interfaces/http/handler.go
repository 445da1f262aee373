package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
)

// Reader reads current values.
type Reader interface {
	Get(key values.Key) (values.CurrentValue, error)
}

// Publisher accepts acquired data point values.
type Publisher interface {
	PublishValue(ctx context.Context, id string, value any, quality values.Quality, ts time.Time, opts ...valuesapp.WriteOption) error
}

// Handler provides value endpoints.
type Handler struct {
	reader    Reader
	publisher Publisher
}

// NewHandler constructs a handler. publisher may be nil to disable writes.
func NewHandler(reader Reader, publisher Publisher) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("values handler: nil reader")
	}
	return &Handler{reader: reader, publisher: publisher}, nil
}

// Routes mounts the value endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/{kind}/{id}", h.handleGet)
	r.Put("/data_point/{id}", h.handlePut)
}

type valueResponse struct {
	Kind values.Kind `json:"kind"`
	ID   string      `json:"id"`
	values.CurrentValue
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := values.Key{Kind: values.Kind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "id")}
	if err := key.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cur, err := h.reader.Get(key)
	if err != nil {
		if errors.Is(err, values.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, valueResponse{Kind: key.Kind, ID: key.ID, CurrentValue: cur})
}

type writeRequest struct {
	Value     any            `json:"value"`
	Raw       any            `json:"raw,omitempty"`
	Quality   values.Quality `json:"quality"`
	Timestamp time.Time      `json:"timestamp"`
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		http.Error(w, "writes disabled", http.StatusNotImplemented)
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Quality == "" {
		req.Quality = values.QualityGood
	}
	if !req.Quality.Valid() {
		http.Error(w, "invalid quality", http.StatusBadRequest)
		return
	}
	var opts []valuesapp.WriteOption
	if req.Raw != nil {
		opts = append(opts, valuesapp.WithRawValue(req.Raw))
	}
	if err := h.publisher.PublishValue(r.Context(), chi.URLParam(r, "id"), req.Value, req.Quality, req.Timestamp, opts...); err != nil {
		if errors.Is(err, values.ErrInvalidKey) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
