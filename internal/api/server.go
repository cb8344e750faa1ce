package api

import (
    "context"
    "log"
    "strings"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "routewatch/internal/config"
    "routewatch/internal/engine"
    "routewatch/internal/geo"
    "routewatch/internal/issues"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/routes"
    "routewatch/internal/store"
)

// demoAssignmentID matches the cmd/wsclient default so the shipped demo has
// geometry to deviate from when running against the in-memory store.
const demoAssignmentID = "va-demo"

// limiterIdleTTL is how long an idle assignment keeps its ingest limiter.
const limiterIdleTTL = 10 * time.Minute

type Server struct {
    Store  store.Store
    Routes routes.Provider
    Engine *engine.Engine
    Broker *notify.Broker
    Cfg    config.Config

    // Webhook is started by main when configured.
    Webhook *notify.Webhook

    limMu     sync.Mutex
    limiters  map[string]*limiterEntry
    limPruned time.Time
}

type limiterEntry struct {
    lim  *rate.Limiter
    seen time.Time
}

// NewServer wires storage, notification sinks and the detection engine from
// config. Without DATABASE_URL everything runs in memory; the local broker is
// always present so SSE streams work on a single instance, Redis fans the
// same notifications out across instances.
func NewServer(cfg config.Config) (*Server, error) {
    var s store.Store
    var rp routes.Provider
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
        st := routes.NewStatic()
        // Memory mode is dev mode: seed geometry for the demo tracker.
        st.Set(demoAssignmentID, demoRoute())
        rp = st
        log.Printf("[api] in-memory store; demo route seeded for assignment %s", demoAssignmentID)
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        if err := sp.EnsureSchema(context.Background()); err != nil {
            return nil, err
        }
        pr := routes.NewPostgresProvider(sp.DB())
        if err := pr.EnsureSchema(context.Background()); err != nil {
            return nil, err
        }
        s = sp
        rp = pr
    }

    broker := notify.NewBroker()
    sinks := notify.Multi{broker}
    if cfg.RedisURL != "" {
        rb, err := notify.NewRedisBroker(cfg.RedisURL)
        if err != nil {
            log.Printf("[api] redis broker unavailable, continuing without: %v", err)
        } else {
            sinks = append(sinks, rb)
        }
    }
    var wh *notify.Webhook
    if cfg.Webhook.URL != "" {
        wh = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.MaxAttempts)
        sinks = append(sinks, wh)
    }

    eng := engine.New(s, rp, sinks, issues.NewMemory(), geo.Evaluator{ThresholdMeters: cfg.OffRoute.ThresholdMeters}, engine.Options{
        GraceWindow:        cfg.OffRoute.GraceWindow(),
        GraceExtension:     cfg.OffRoute.GraceExtension(),
        MaxGraceExtensions: cfg.OffRoute.MaxGraceExtensions,
    })

    metrics.RegisterDefault()
    return &Server{
        Store:    s,
        Routes:   rp,
        Engine:   eng,
        Broker:   broker,
        Cfg:       cfg,
        Webhook:   wh,
        limiters:  map[string]*limiterEntry{},
        limPruned: time.Now(),
    }, nil
}

// demoRoute is the north-south leg cmd/wsclient drives along and drifts off.
func demoRoute() []model.GeoPoint {
    return []model.GeoPoint{{Lat: 10.0, Lng: 106.0}, {Lat: 10.006, Lng: 106.0}}
}

// NewTickWorker creates the periodic re-evaluation worker.
func (s *Server) NewTickWorker() *engine.Worker {
    return engine.NewWorker(s.Engine, s.Cfg.OffRoute.TickInterval(), s.Cfg.OffRoute.TickTimeout())
}

// limiter returns the per-assignment ingest rate limiter, creating it on
// first use. Mobile clients are expected to report at most one fix a second.
// Limiters idle past limiterIdleTTL are evicted on the way in so the map does
// not grow with every assignment id the process ever saw.
func (s *Server) limiter(assignmentID string) *rate.Limiter {
    s.limMu.Lock()
    defer s.limMu.Unlock()
    now := time.Now()
    if now.Sub(s.limPruned) >= time.Minute {
        for id, e := range s.limiters {
            if now.Sub(e.seen) > limiterIdleTTL {
                delete(s.limiters, id)
            }
        }
        s.limPruned = now
    }
    e, ok := s.limiters[assignmentID]
    if !ok {
        rps := s.Cfg.Ingest.RatePerSec
        if rps <= 0 {
            rps = 1
        }
        burst := s.Cfg.Ingest.Burst
        if burst <= 0 {
            burst = 3
        }
        e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(rps), burst)}
        s.limiters[assignmentID] = e
    }
    e.seen = now
    return e.lim
}
