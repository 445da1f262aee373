package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "pointcalc/internal/alarms/application"
	alarms "pointcalc/internal/alarms/domain"
	"pointcalc/internal/alarms/infrastructure/memory"
	alarmhttp "pointcalc/internal/alarms/interfaces/http"
	"pointcalc/internal/engine"
	"pointcalc/internal/expression"
	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
	vpapp "pointcalc/internal/virtualpoints/application"
	vp "pointcalc/internal/virtualpoints/domain"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store := valuesapp.NewStore()
	evaluator := expression.NewEvaluator()
	scheduler, err := vpapp.NewScheduler(store, evaluator)
	require.NoError(t, err)
	alarmEngine, err := alarmapp.NewEngine(memory.NewOccurrenceRepository(), store, evaluator)
	require.NoError(t, err)
	e, err := engine.New(store, scheduler, alarmEngine)
	require.NoError(t, err)

	high := 10.0
	e.Reload(nil,
		[]vp.VirtualPoint{{
			ID:      "sum",
			Scope:   vp.Scope{Type: vp.ScopeTenant, TenantID: "t1"},
			Formula: "a + 1",
			Trigger: vp.TriggerManual,
			Enabled: true,
			Inputs:  []vp.Input{{VariableName: "a", Source: vp.SourceDataPoint, RefID: "dp-a"}},
		}},
		[]alarms.AlarmRule{{
			ID:       "hot",
			Name:     "Hot",
			Target:   alarms.Target{Type: alarms.TargetVirtualPoint, PointID: "sum"},
			Kind:     alarms.KindAnalog,
			Analog:   alarms.Analog{High: &high},
			Severity: alarms.SeverityHigh,
			Enabled:  true,
		}})
	return e
}

func newTestRouter(t *testing.T, health func(context.Context) error) (http.Handler, *engine.Engine) {
	t.Helper()
	e := newEngine(t)
	router, err := NewRouter(Deps{
		Points:    e.Scheduler(),
		Values:    e.Store(),
		Publisher: e,
		Alarms:    e.Alarms(),
		Stream:    alarmhttp.NewBroker(nil),
		Health:    health,
	}, nil)
	require.NoError(t, err)
	return router, e
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRouter_RequiresServices(t *testing.T) {
	_, err := NewRouter(Deps{}, nil)
	assert.Error(t, err)
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	rec := serve(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	down, _ := newTestRouter(t, func(context.Context) error { return errors.New("db down") })
	rec = serve(down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	rec := serve(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ManualRecomputeFlow(t *testing.T) {
	router, e := newTestRouter(t, nil)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	rec := serve(router, http.MethodPut, "/api/v1/values/data_point/dp-a", `{"value": 41, "timestamp": "`+ts+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = serve(router, http.MethodPost, "/api/v1/virtual-points/sum/recompute", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/v1/values/virtual_point/sum", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Value   float64        `json:"value"`
		Quality values.Quality `json:"quality"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 42.0, body.Value)
	assert.Equal(t, values.QualityGood, body.Quality)

	list, err := e.Alarms().List(context.Background(), alarms.OccurrenceFilter{RuleID: "hot"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	rec = serve(router, http.MethodGet, "/api/v1/alarms/occurrences?state=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), list[0].ID)

	rec = serve(router, http.MethodPost, "/api/v1/alarms/occurrences/"+list[0].ID+"/ack", `{"by": "op"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRouter_UnknownPoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	rec := serve(router, http.MethodPost, "/api/v1/virtual-points/nope/recompute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/alarms/occurrences", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}
