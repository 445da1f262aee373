package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	alarmrepo "pointcalc/internal/alarms/infrastructure/postgres"
	"pointcalc/internal/config"
	vprepo "pointcalc/internal/virtualpoints/infrastructure/postgres"
)

type options struct {
	dsn         string
	definitions string
	baseURL     string
	points      string
	interval    time.Duration
	duration    time.Duration
}

func main() {
	opts := parseOptions()
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	ctx := context.Background()

	if opts.definitions != "" {
		if opts.dsn == "" {
			logger.Fatal("PG_DSN or DATABASE_URL is required to seed definitions")
		}
		if err := seedDefinitions(ctx, opts, logger); err != nil {
			logger.Fatal("seed definitions", zap.Error(err))
		}
	}

	if opts.baseURL != "" && opts.points != "" {
		if err := driveValues(ctx, opts, logger); err != nil {
			logger.Fatal("drive values", zap.Error(err))
		}
	}
	logger.Info("seed completed")
}

func parseOptions() options {
	opts := options{}
	flag.StringVar(&opts.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&opts.definitions, "definitions", envOrDefault("POINTCALC_DEFINITIONS", ""), "definitions YAML to store")
	flag.StringVar(&opts.baseURL, "base-url", envOrDefault("BASE_URL", ""), "API base URL for value writes")
	flag.StringVar(&opts.points, "points", envOrDefault("SEED_POINTS", ""), "comma separated data point ids to drive")
	flag.DurationVar(&opts.interval, "interval", envOrDuration("SEED_INTERVAL", time.Second), "delay between value rounds")
	flag.DurationVar(&opts.duration, "duration", envOrDuration("SEED_DURATION", 30*time.Second), "how long to drive values")
	flag.Parse()
	return opts
}

func seedDefinitions(ctx context.Context, opts options, logger *zap.Logger) error {
	defs, err := config.LoadDefinitions(opts.definitions)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", opts.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	points := vprepo.NewDefinitionRepository(db)
	for _, dp := range defs.DataPoints {
		if err := points.SaveDataPoint(ctx, dp); err != nil {
			return fmt.Errorf("data point %s: %w", dp.ID, err)
		}
	}
	// Bad entities are reported and skipped so the rest of the file lands.
	stored := 0
	for _, p := range defs.VirtualPoints {
		if err := points.SavePoint(ctx, p); err != nil {
			logger.Warn("virtual point skipped", zap.String("point", p.ID), zap.Error(err))
			continue
		}
		stored++
	}
	rules := alarmrepo.NewRuleRepository(db)
	storedRules := 0
	for _, rule := range defs.AlarmRules {
		if err := rules.Upsert(ctx, rule); err != nil {
			logger.Warn("alarm rule skipped", zap.String("rule", rule.ID), zap.Error(err))
			continue
		}
		storedRules++
	}
	logger.Info("definitions stored",
		zap.Int("data_points", len(defs.DataPoints)),
		zap.Int("virtual_points", stored),
		zap.Int("alarm_rules", storedRules))
	return nil
}

// driveValues writes a sine wave per point through the value API.
func driveValues(ctx context.Context, opts options, logger *zap.Logger) error {
	ids := splitList(opts.points)
	client := &http.Client{Timeout: 5 * time.Second}
	base := strings.TrimRight(opts.baseURL, "/")
	deadline := time.Now().Add(opts.duration)
	round := 0
	for time.Now().Before(deadline) {
		now := time.Now().UTC()
		for i, id := range ids {
			v := 100 + 50*math.Sin(float64(round)/10+float64(i))
			if err := putValue(ctx, client, base, id, v, now); err != nil {
				return fmt.Errorf("point %s: %w", id, err)
			}
		}
		round++
		if round%10 == 0 {
			logger.Info("value rounds written", zap.Int("rounds", round), zap.Int("points", len(ids)))
		}
		time.Sleep(opts.interval)
	}
	return nil
}

func putValue(ctx context.Context, client *http.Client, base, id string, value float64, at time.Time) error {
	payload, err := json.Marshal(map[string]any{"value": value, "timestamp": at})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/api/v1/values/data_point/"+id, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
