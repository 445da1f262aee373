package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "pointcalc/internal/alarms/domain"
	values "pointcalc/internal/values/domain"
)

type stubService struct {
	occurrences map[string]alarms.Occurrence
	lastFilter  alarms.OccurrenceFilter
	lastActor   string
}

func (s *stubService) Get(_ context.Context, id string) (alarms.Occurrence, error) {
	occ, ok := s.occurrences[id]
	if !ok {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	return occ, nil
}

func (s *stubService) List(_ context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error) {
	s.lastFilter = filter
	return nil, nil
}

func (s *stubService) Acknowledge(_ context.Context, id, by, comment string) (alarms.Occurrence, error) {
	occ, ok := s.occurrences[id]
	if !ok {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	s.lastActor = by
	if _, err := occ.Acknowledge(by, comment, time.Now()); err != nil {
		return occ, err
	}
	s.occurrences[id] = occ
	return occ, nil
}

func (s *stubService) Clear(_ context.Context, id, by, comment string) (alarms.Occurrence, error) {
	occ, ok := s.occurrences[id]
	if !ok {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	occ.Clear(by, comment, time.Now())
	s.occurrences[id] = occ
	return occ, nil
}

func newTestRouter(t *testing.T, svc *stubService) http.Handler {
	t.Helper()
	h, err := NewHandler(svc)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/api/v1/alarms", h.Routes)
	return r
}

func TestHandler_ListParsesFilter(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/alarms/occurrences?rule_id=r1&state=active&point_id=vp-1&point_kind=virtual_point&from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z&limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.Equal(t, "r1", svc.lastFilter.RuleID)
	assert.Equal(t, alarms.StateActive, svc.lastFilter.State)
	require.NotNil(t, svc.lastFilter.Target)
	assert.Equal(t, values.VirtualPointKey("vp-1"), *svc.lastFilter.Target)
	assert.Equal(t, 5, svc.lastFilter.Limit)
}

func TestHandler_ListRejectsBadQuery(t *testing.T) {
	router := newTestRouter(t, &stubService{})
	for _, q := range []string{"state=open", "from=yesterday", "limit=-1",
		"from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "point_id=x&point_kind=sensor"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alarms/occurrences?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandler_AcknowledgeAndClear(t *testing.T) {
	svc := &stubService{occurrences: map[string]alarms.Occurrence{
		"occ-1": {ID: "occ-1", State: alarms.StateActive},
	}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alarms/occurrences/occ-1/ack", strings.NewReader(`{"comment":"seen"}`))
	req.Header.Set(actorHeader, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var occ alarms.Occurrence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &occ))
	assert.Equal(t, alarms.StateAcknowledged, occ.State)
	assert.Equal(t, "alice", svc.lastActor)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alarms/occurrences/occ-1/clear", strings.NewReader(`{"by":"bob"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alarms/occurrences/occ-1/ack", strings.NewReader(`{"by":"bob"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alarms/occurrences/missing/ack", strings.NewReader(`{"by":"bob"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alarms/occurrences/occ-1/ack", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor is required")
}

func TestHandler_Get(t *testing.T) {
	svc := &stubService{occurrences: map[string]alarms.Occurrence{"occ-1": {ID: "occ-1", State: alarms.StateActive}}}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alarms/occurrences/occ-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alarms/occurrences/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroker_StreamsSelectedTopics(t *testing.T) {
	broker := NewBroker(nil)
	srv := httptest.NewServer(broker)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?events=alarm", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')
	require.Equal(t, 1, broker.Clients())

	broker.PublishValue(context.Background(), values.ChangeEvent{Key: values.DataPointKey("dp-1"), Value: 1.0})
	broker.Notify(context.Background(), alarms.Event{Type: alarms.EventActive, Occurrence: alarms.Occurrence{ID: "occ-1"}})

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: alarm\n", line, "value frames are filtered out")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"occ-1"`)
}

func TestBroker_RejectsUnknownTopic(t *testing.T) {
	rec := httptest.NewRecorder()
	NewBroker(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?events=metrics", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroker_DropsForSlowClients(t *testing.T) {
	broker := NewBroker(nil)
	c := broker.subscribe(map[string]bool{streamAlarm: true})
	defer broker.unsubscribe(c)
	for i := 0; i < clientBuffer+3; i++ {
		broker.Notify(context.Background(), alarms.Event{Type: alarms.EventNotify})
	}
	assert.Equal(t, uint64(3), broker.Dropped())
}
