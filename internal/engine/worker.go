package engine

import (
    "context"
    "log"
    "time"
)

// Worker runs the periodic grace-period sweep.
type Worker struct {
    Engine   *Engine
    Interval time.Duration
    Timeout  time.Duration
    Stop     chan struct{}
}

func NewWorker(e *Engine, interval, timeout time.Duration) *Worker {
    if interval <= 0 {
        interval = time.Minute
    }
    if timeout <= 0 {
        timeout = 30 * time.Second
    }
    return &Worker{Engine: e, Interval: interval, Timeout: timeout, Stop: make(chan struct{})}
}

func (w *Worker) Start() {
    go func() {
        ticker := time.NewTicker(w.Interval)
        defer ticker.Stop()
        for {
            select {
            case <-w.Stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Worker) processOnce() {
    defer func() {
        if r := recover(); r != nil {
            log.Printf("[offroute] tick panic: %v", r)
        }
    }()
    ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
    defer cancel()
    w.Engine.CheckAndSendWarnings(ctx)
}
