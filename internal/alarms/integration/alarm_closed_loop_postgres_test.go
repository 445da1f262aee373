package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	alarmapp "pointcalc/internal/alarms/application"
	alarms "pointcalc/internal/alarms/domain"
	alarmrepo "pointcalc/internal/alarms/infrastructure/postgres"
	"pointcalc/internal/engine"
	"pointcalc/internal/expression"
	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
	vpapp "pointcalc/internal/virtualpoints/application"
	vprepo "pointcalc/internal/virtualpoints/infrastructure/postgres"
)

func TestAlarmClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"data_points", "virtual_points", "virtual_point_inputs", "alarm_rules", "alarm_occurrences"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM alarm_occurrences WHERE rule_id = 'rule-it-1'")
	_, _ = db.ExecContext(ctx, "DELETE FROM alarm_rules WHERE id = 'rule-it-1'")
	_, _ = db.ExecContext(ctx, "DELETE FROM virtual_points WHERE id = 'vp-it-power'")
	_, _ = db.ExecContext(ctx, "DELETE FROM data_points WHERE id IN ('dp-it-v', 'dp-it-i')")

	if _, err := db.ExecContext(ctx, `
INSERT INTO data_points (id, device_id, address, data_type, enabled)
VALUES ('dp-it-v', 'dev-it', '40001', 'float', TRUE), ('dp-it-i', 'dev-it', '40002', 'float', TRUE)`); err != nil {
		t.Fatalf("insert data points: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO virtual_points (id, tenant_id, name, scope_type, formula, data_type, trigger, enabled)
VALUES ('vp-it-power', 'tenant-it', 'Power', 'tenant', 'v * i / 1000', 'float', 'on_change', TRUE)`); err != nil {
		t.Fatalf("insert virtual point: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO virtual_point_inputs (virtual_point_id, position, variable_name, source, ref_id, aggregation)
VALUES ('vp-it-power', 0, 'v', 'data_point', 'dp-it-v', 'current'),
       ('vp-it-power', 1, 'i', 'data_point', 'dp-it-i', 'current')`); err != nil {
		t.Fatalf("insert inputs: %v", err)
	}

	high := 100.0
	ruleRepo := alarmrepo.NewRuleRepository(db)
	if err := ruleRepo.Upsert(ctx, alarms.AlarmRule{
		ID:       "rule-it-1",
		TenantID: "tenant-it",
		Name:     "Power High",
		Target:   alarms.Target{Type: alarms.TargetVirtualPoint, PointID: "vp-it-power"},
		Kind:     alarms.KindAnalog,
		Analog:   alarms.Analog{High: &high, Deadband: 5},
		Severity: alarms.SeverityHigh,
		Enabled:  true,
	}); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	occurrences := alarmrepo.NewOccurrenceRepository(db)
	eng := newEngine(t, db, occurrences)

	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	publish := func(id string, v float64, at time.Time) {
		if err := eng.PublishValue(ctx, id, v, values.QualityGood, at); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	publish("dp-it-v", 400, start)
	publish("dp-it-i", 300, start)
	waitFor(t, func() bool {
		open, err := occurrences.ListOpen(ctx)
		return err == nil && countRule(open, "rule-it-1") == 1
	})

	open, err := occurrences.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	var occ alarms.Occurrence
	for _, o := range open {
		if o.RuleID == "rule-it-1" {
			occ = o
		}
	}
	if occ.State != alarms.StateActive || occ.Condition != alarms.BandHigh {
		t.Fatalf("unexpected occurrence: %+v", occ)
	}

	// A fresh engine restores the open occurrence and keeps it active while
	// the value stays inside the deadband.
	restored := newEngine(t, db, occurrences)
	publishTo := func(e *engine.Engine, id string, v float64, at time.Time) {
		if err := e.PublishValue(ctx, id, v, values.QualityGood, at); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	publishTo(restored, "dp-it-v", 400, start.Add(time.Minute))
	publishTo(restored, "dp-it-i", 245, start.Add(time.Minute))
	time.Sleep(200 * time.Millisecond)
	got, err := occurrences.Get(ctx, occ.ID)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if got.State != alarms.StateActive {
		t.Fatalf("expected active inside deadband, got %s", got.State)
	}

	publishTo(restored, "dp-it-i", 200, start.Add(2*time.Minute))
	waitFor(t, func() bool {
		got, err := occurrences.Get(ctx, occ.ID)
		return err == nil && got.State == alarms.StateCleared
	})

	cleared, err := occurrences.List(ctx, alarms.OccurrenceFilter{RuleID: "rule-it-1", State: alarms.StateCleared})
	if err != nil {
		t.Fatalf("list cleared: %v", err)
	}
	if len(cleared) != 1 || cleared[0].ID != occ.ID {
		t.Fatalf("expected one cleared occurrence, got %d", len(cleared))
	}
}

func newEngine(t *testing.T, db *sql.DB, occurrences *alarmrepo.OccurrenceRepository) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	store := valuesapp.NewStore()
	evaluator := expression.NewEvaluator()
	scheduler, err := vpapp.NewScheduler(store, evaluator)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	alarmEngine, err := alarmapp.NewEngine(occurrences, store, evaluator)
	if err != nil {
		t.Fatalf("new alarm engine: %v", err)
	}
	eng, err := engine.New(store, scheduler, alarmEngine, engine.WithWorkers(1))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	defs := vprepo.NewDefinitionRepository(db)
	dataPoints, err := defs.LoadDataPoints(ctx)
	if err != nil {
		t.Fatalf("load data points: %v", err)
	}
	points, err := defs.LoadPoints(ctx)
	if err != nil {
		t.Fatalf("load points: %v", err)
	}
	rules, err := alarmrepo.NewRuleRepository(db).List(ctx)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	report := eng.Reload(dataPoints, points, rules)
	if reason, bad := report.InvalidPoints["vp-it-power"]; bad {
		t.Fatalf("virtual point invalid: %s", reason)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func countRule(list []alarms.Occurrence, ruleID string) int {
	n := 0
	for _, o := range list {
		if o.RuleID == ruleID {
			n++
		}
	}
	return n
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = 'public' AND table_name = $1
)`, name).Scan(&exists)
	return err == nil && exists
}
