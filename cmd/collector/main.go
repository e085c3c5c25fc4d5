package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pairscope/config"
	"pairscope/internal/clock"
	"pairscope/internal/collector"
	"pairscope/internal/discovery"
	"pairscope/internal/fetch"
	"pairscope/internal/gateway"
	"pairscope/internal/logger"
	"pairscope/internal/metrics"
	"pairscope/internal/notification"
	"pairscope/internal/pairs"
	"pairscope/internal/persist"
	"pairscope/internal/ratelimit"
	redisstore "pairscope/internal/store/redis"
	sqlitestore "pairscope/internal/store/sqlite"
	"pairscope/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.Init("collector", logger.ParseLevel(cfg.LogLevel))
	log.Info("config loaded",
		slog.String("chain", cfg.Policy.Chain),
		slog.Any("dexes", cfg.Policy.Dexes),
		slog.String("policy_file", cfg.PolicyFile),
		slog.Bool("cold_start", cfg.ColdStart))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	clk := clock.New()

	// ---- Storage ----
	var backends []persist.Backend
	var rdb *goredis.Client
	var pub *redisstore.Publisher
	rdb, err = redisstore.Dial(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Warn("redis unavailable, continuing without it", slog.String("error", err.Error()))
		rdb = nil
	} else {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Warn("redis circuit breaker state change", slog.String("from", from.String()), slog.String("to", to.String()))
		}
		backends = append(backends, persist.Backend{Name: "redis", Store: redisstore.NewSnapshotStore(rdb, cfg.SnapshotKey, cb)})
		if cfg.EventChannel != "" {
			pub = redisstore.NewPublisher(rdb, cfg.EventChannel, 0, log)
			pub.OnDrop = prom.SinkDrops.Inc
		}
	}

	var sqlDB *sql.DB
	sqlStore, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.DefaultSnapshotKey)
	if err != nil {
		log.Warn("sqlite unavailable, continuing without it", slog.String("error", err.Error()))
	} else {
		sqlDB = sqlStore.DB()
		backends = append(backends, persist.Backend{Name: "sqlite", Store: sqlStore})
	}
	health.SetRedisConnected(rdb != nil)
	health.SetSQLiteOK(sqlDB != nil)
	gw := persist.New(log, prom, backends...)

	// ---- Upstreams ----
	limiters := make(map[string]*ratelimit.Limiter)
	for _, lc := range cfg.Limiters() {
		lim, err := ratelimit.New(lc, clk)
		if err != nil {
			log.Error("limiter init failed", slog.String("class", lc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		limiters[lc.Name] = lim
	}
	fetcher := fetch.New(
		fetch.WithLogger(log),
		fetch.WithClock(clk),
		fetch.WithBackoff(cfg.FetchBackoff),
		fetch.WithMetrics(prom),
	)
	dex := upstream.NewDexClient(cfg.DexAPI, fetcher, limiters["discovery"], limiters["stats"], cfg.FetchMaxAttempts)
	ohlcv := upstream.NewOHLCVClient(cfg.OHLCVAPI, cfg.OHLCVNetwork, fetcher, limiters["ohlcv"], cfg.FetchMaxAttempts)
	disc := discovery.New(cfg.Policy, clk, log, prom, discovery.DefaultStrategies(dex, cfg.Policy)...)

	// ---- Store, broadcast, HTTP ----
	store := pairs.NewStore(clk, cfg.RSIPeriod)
	broadcaster := gateway.NewBroadcaster(store, clk, log, prom)
	if pub != nil {
		go pub.Run(ctx)
		if err := broadcaster.Subscribe(pub); err != nil {
			log.Warn("redis event mirror not subscribed", slog.String("error", err.Error()))
		}
	}

	server := metrics.NewServer(cfg.HTTPAddr, health, reg, log)
	gateway.NewHandlers(store, store, broadcaster, log).Register(server)
	server.Start()
	health.StartLivenessChecker(ctx, redisClient(rdb), sqlDB, cfg.HealthCheckInterval)

	svc, err := collector.New(collector.Config{
		Chain:             cfg.Policy.Chain,
		DiscoveryInterval: cfg.DiscoveryInterval,
		StatsInterval:     cfg.StatsInterval,
		IndicatorInterval: cfg.IndicatorInterval,
		PersistInterval:   cfg.PersistInterval,
		OHLCVRequestDelay: cfg.OHLCVRequestDelay,
		OHLCVCooldown:     cfg.OHLCVCooldown,
		Eviction:          cfg.Policy.Eviction,
		ColdStart:         cfg.ColdStart,
	}, collector.Deps{
		Store:      store,
		Discoverer: disc,
		Stats:      dex,
		Candles:    ohlcv,
		Publisher:  broadcaster,
		Persist:    gw,
		Clock:      clk,
		Logger:     log,
		Metrics:    prom,
		Health:     health,
		Alerts:     notification.NewHealthAlerter(buildNotifier(cfg, log), log),
	})
	if err != nil {
		log.Error("collector init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runErr := svc.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := server.Stop(shutCtx); err != nil {
		log.Warn("http server shutdown", slog.String("error", err.Error()))
	}
	if sqlStore != nil {
		sqlStore.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if runErr != nil {
		log.Error("collector stopped with error", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
}

// redisClient avoids handing a typed nil to the liveness checker.
func redisClient(c *goredis.Client) goredis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

// buildNotifier combines the log with any configured alert channels.
func buildNotifier(cfg *config.Config, log *slog.Logger) notification.Notifier {
	ns := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		ns = append(ns, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "collector", log))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		ns = append(ns, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log))
	}
	return ns
}
