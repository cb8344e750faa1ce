package main

import (
    "log"
    "net/http"
    "time"

    "github.com/joho/godotenv"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "routewatch/internal/api"
    "routewatch/internal/config"
    "routewatch/internal/metrics"
)

func main() {
    _ = godotenv.Load()
    cfg, err := config.Load("config.yaml")
    if err != nil {
        log.Fatalf("failed to load config: %v", err)
    }

    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }

    mux := http.NewServeMux()

    // Position ingest
    mux.HandleFunc("/v1/track/ws", srvDeps.TrackWSHandler)

    // Off-route events
    mux.HandleFunc("/v1/offroute/events", srvDeps.EventsHandler)
    mux.HandleFunc("/v1/offroute/events/", srvDeps.EventByIDHandler) // includes /resolve, /extend-grace
    mux.HandleFunc("/v1/offroute/stream", srvDeps.StreamHandler)

    // Health
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    addr := ":" + cfg.Port

    srv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s (threshold=%.0fm grace=%s tick=%s)", addr,
        cfg.OffRoute.ThresholdMeters, cfg.OffRoute.GraceWindow(), cfg.OffRoute.TickInterval())

    // Start background workers
    srvDeps.NewTickWorker().Start()
    if srvDeps.Webhook != nil {
        srvDeps.Webhook.Start()
    }

    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}
