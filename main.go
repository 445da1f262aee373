package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	alarmapp "pointcalc/internal/alarms/application"
	alarmmemory "pointcalc/internal/alarms/infrastructure/memory"
	alarmrepo "pointcalc/internal/alarms/infrastructure/postgres"
	alarmhttp "pointcalc/internal/alarms/interfaces/http"
	alarmkafka "pointcalc/internal/alarms/interfaces/kafka"
	alarmnotify "pointcalc/internal/alarms/notify"
	"pointcalc/internal/config"
	"pointcalc/internal/engine"
	"pointcalc/internal/expression"
	"pointcalc/internal/httpapi"
	"pointcalc/internal/observability/metrics"
	valuesapp "pointcalc/internal/values/application"
	valuesredis "pointcalc/internal/values/infrastructure/redis"
	vpapp "pointcalc/internal/virtualpoints/application"
	vpmemory "pointcalc/internal/virtualpoints/infrastructure/memory"
	vprepo "pointcalc/internal/virtualpoints/infrastructure/postgres"
	vphttp "pointcalc/internal/virtualpoints/interfaces/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("pointcalc failed", zap.Error(err))
	}
	logger.Info("pointcalc stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
	}
	metrics.Init(db, logger)

	var opts []engine.Option
	store := valuesapp.NewStore(valuesapp.WithLogger(logger))
	evaluator := expression.NewEvaluator(expression.WithDefaultBudget(cfg.Engine.EvalBudget))

	var (
		history    vpapp.HistorySink
		historyAPI vphttp.HistoryReader
	)
	if db != nil {
		repo := vprepo.NewHistoryRepository(db, cfg.History.QueueSize, logger)
		history, historyAPI = repo, repo
		opts = append(opts,
			engine.WithBackground("history", repo.Run),
			engine.WithPurge("history", repo, cfg.History.Retention, cfg.History.PurgeSpec))
	} else {
		repo := vpmemory.NewHistoryRepository(cfg.History.PerPoint)
		history, historyAPI = repo, repo
	}

	scheduler, err := vpapp.NewScheduler(store, evaluator,
		vpapp.WithLogger(logger),
		vpapp.WithHistorySink(history),
		vpapp.WithEvalBudget(cfg.Engine.EvalBudget),
		vpapp.WithMaxSamples(cfg.Engine.MaxSamples))
	if err != nil {
		return err
	}

	// Occurrences are kept; their retention is left to database policy.
	var occurrences alarmapp.OccurrenceRepository = alarmmemory.NewOccurrenceRepository()
	if db != nil {
		occurrences = alarmrepo.NewOccurrenceRepository(db)
	}

	broker := alarmhttp.NewBroker(logger)
	store.Subscribe(broker.PublishValue)
	fanout := alarmnotify.NewMultiNotifier(broker)

	alarmEngine, err := alarmapp.NewEngine(occurrences, store, evaluator,
		alarmapp.WithNotifier(fanout),
		alarmapp.WithLogger(logger),
		alarmapp.WithScriptBudget(cfg.Engine.AlarmScriptBudget))
	if err != nil {
		return err
	}

	if len(cfg.Notify.Webhooks) > 0 {
		notifier, err := newWebhookNotifier(cfg.Notify, alarmEngine, logger)
		if err != nil {
			return err
		}
		fanout.Add(notifier)
		opts = append(opts, engine.WithBackground("webhooks", notifier.Run))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := alarmkafka.NewPublisher(alarmkafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic),
			alarmkafka.WithLogger(logger))
		if err != nil {
			return err
		}
		fanout.Add(publisher)
		opts = append(opts, engine.WithBackground("kafka", publisher.Run))
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer redisClient.Close()
		mirror, err := valuesredis.NewMirror(redisClient,
			valuesredis.WithKeyPrefix(cfg.Redis.Prefix),
			valuesredis.WithChannel(cfg.Redis.Channel),
			valuesredis.WithTTL(cfg.Redis.TTL),
			valuesredis.WithLogger(logger))
		if err != nil {
			return err
		}
		store.Subscribe(mirror.Notify)
		opts = append(opts, engine.WithBackground("redis", mirror.Run))
	}

	opts = append(opts,
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithAlarmTick(cfg.Engine.AlarmTick),
		engine.WithLogger(logger))
	eng, err := engine.New(store, scheduler, alarmEngine, opts...)
	if err != nil {
		return err
	}

	source := definitionSource{cfg: cfg, db: db}
	if err := reload(ctx, eng, source, logger); err != nil {
		return err
	}

	router, err := httpapi.NewRouter(httpapi.Deps{
		Points:    scheduler,
		History:   historyAPI,
		Values:    store,
		Publisher: eng,
		Alarms:    alarmEngine,
		Stream:    broker,
		Origins:   cfg.CORSOrigins,
		Health: func(ctx context.Context) error {
			if db != nil {
				if err := db.PingContext(ctx); err != nil {
					return err
				}
			}
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		},
	}, logger)
	if err != nil {
		return err
	}
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watchReload(gctx, eng, source, logger)
		return nil
	})
	return g.Wait()
}

// watchReload reloads definitions on SIGHUP.
func watchReload(ctx context.Context, eng *engine.Engine, source definitionSource, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reload(ctx, eng, source, logger); err != nil {
				logger.Error("definitions reload failed, keeping previous", zap.Error(err))
			}
		}
	}
}

func reload(ctx context.Context, eng *engine.Engine, source definitionSource, logger *zap.Logger) error {
	defs, err := source.Load(ctx)
	if err != nil {
		return err
	}
	report := eng.Reload(defs.DataPoints, defs.VirtualPoints, defs.AlarmRules)
	for _, id := range sortedKeys(report.InvalidPoints) {
		logger.Warn("virtual point disabled", zap.String("point", id), zap.String("reason", report.InvalidPoints[id]))
	}
	for _, id := range sortedKeys(report.InvalidRules) {
		logger.Warn("alarm rule disabled", zap.String("rule", id), zap.String("reason", report.InvalidRules[id]))
	}
	return nil
}

// definitionSource reads definitions from the file when one is configured,
// otherwise from postgres.
type definitionSource struct {
	cfg config.Config
	db  *sql.DB
}

func (s definitionSource) Load(ctx context.Context) (config.Definitions, error) {
	if s.cfg.DefinitionsFile != "" {
		return config.LoadDefinitions(s.cfg.DefinitionsFile)
	}
	if s.db == nil {
		return config.Definitions{}, errors.New("no definitions source configured")
	}
	points := vprepo.NewDefinitionRepository(s.db)
	dataPoints, err := points.LoadDataPoints(ctx)
	if err != nil {
		return config.Definitions{}, err
	}
	virtualPoints, err := points.LoadPoints(ctx)
	if err != nil {
		return config.Definitions{}, err
	}
	rules, err := alarmrepo.NewRuleRepository(s.db).List(ctx)
	if err != nil {
		return config.Definitions{}, err
	}
	return config.Definitions{
		DataPoints:    dataPoints,
		VirtualPoints: virtualPoints,
		AlarmRules:    rules,
	}, nil
}

func newWebhookNotifier(cfg config.NotifyConfig, alarmEngine *alarmapp.Engine, logger *zap.Logger) (*alarmnotify.Notifier, error) {
	channels := make(map[string]alarmnotify.Channel, len(cfg.Webhooks))
	for name, hook := range cfg.Webhooks {
		opts := []alarmnotify.WebhookOption{
			alarmnotify.WithTimeout(cfg.RequestTimeout),
			alarmnotify.WithRetries(hook.Retries, 500*time.Millisecond),
		}
		for header, value := range hook.Headers {
			opts = append(opts, alarmnotify.WithHeader(header, value))
		}
		channel, err := alarmnotify.NewWebhookChannel(hook.URL, opts...)
		if err != nil {
			return nil, err
		}
		channels[name] = channel
	}
	tpl, err := alarmnotify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	return alarmnotify.NewNotifier(alarmEngine, channels, tpl,
		alarmnotify.WithCooldown(cfg.Cooldown),
		alarmnotify.WithDedupeWindow(cfg.DedupeWindow),
		alarmnotify.WithRequestTimeout(cfg.RequestTimeout),
		alarmnotify.WithFailureReporter(alarmEngine),
		alarmnotify.WithLogger(logger))
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = parsed
	}
	return zcfg.Build()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
