package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"kraken-gateway/internal/auth"
	"kraken-gateway/internal/config"
	ingesthttp "kraken-gateway/internal/ingest/interfaces/http"
	"kraken-gateway/internal/ingest/resolve"
	"kraken-gateway/internal/observability/metrics"
	"kraken-gateway/internal/registry"
	"kraken-gateway/internal/sink"
	"kraken-gateway/internal/sink/influx"
	sinkpostgres "kraken-gateway/internal/sink/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	accountStore, err := auth.NewPostgresAccountStore(db)
	if err != nil {
		logger.Fatalf("account store error: %v", err)
	}

	registryClient, err := registry.NewClient(db, registry.WithTimeout(cfg.RegistryTimeout))
	if err != nil {
		logger.Fatalf("registry client error: %v", err)
	}

	var relational sink.RelationalSink
	if cfg.RelationalEnabled {
		repo, err := sinkpostgres.NewRepository(db)
		if err != nil {
			logger.Fatalf("relational sink error: %v", err)
		}
		relational = repo
	}

	var timeSeries sink.TimeSeriesSink
	if cfg.TimeSeriesEnabled {
		client, err := influx.NewClient(
			cfg.InfluxURL,
			cfg.InfluxDatabase,
			influx.WithCredentials(cfg.InfluxUsername, cfg.InfluxPassword),
			influx.WithTimeout(cfg.SinkTimeout),
		)
		if err != nil {
			logger.Fatalf("influx client error: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := client.EnsureDatabase(ctx); err != nil {
			logger.Printf("influx ensure database: %v", err)
		}
		cancel()
		timeSeries = client
	}

	writer, err := sink.NewDualWriter(
		relational,
		timeSeries,
		logger,
		sink.WithDefaultTable(cfg.DefaultTable),
		sink.WithWriteTimeout(cfg.SinkTimeout),
	)
	if err != nil {
		logger.Fatalf("dual writer error: %v", err)
	}

	resolver := resolve.NewResolver(cfg.Aliases)
	handler, err := ingesthttp.NewHandler(resolver, registryClient, writer, accountStore, logger)
	if err != nil {
		logger.Fatalf("handler error: %v", err)
	}

	gateOpts := []auth.MiddlewareOption{auth.WithExemptPaths("/healthz", "/metrics")}
	if cfg.SharedKey != "" {
		gateOpts = append(gateOpts, auth.WithSharedKey(cfg.SharedKey))
	}
	if cfg.JWTSecret != "" {
		gateOpts = append(gateOpts, auth.WithJWTSecret([]byte(cfg.JWTSecret)))
	}
	gate := auth.NewMiddleware(accountStore, gateOpts...)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(gate.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
