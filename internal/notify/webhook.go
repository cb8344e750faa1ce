package notify

import (
    "bytes"
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "sync"
    "time"

    "routewatch/internal/model"
)

// Webhook posts notifications to a staff-alerting endpoint. Notify only
// enqueues; a background worker drains the queue with retries and exponential
// backoff so a slow receiver never blocks a state transition.
type Webhook struct {
    URL         string
    Secret      string
    HTTP        *http.Client
    MaxAttempts int

    mu    sync.Mutex
    queue []*webhookDelivery
    stop  chan struct{}
    once  sync.Once
}

type webhookDelivery struct {
    Payload       []byte
    EventType     string
    Attempts      int
    NextAttemptAt time.Time
}

func NewWebhook(url, secret string, maxAttempts int) *Webhook {
    if maxAttempts <= 0 { maxAttempts = 10 }
    return &Webhook{
        URL:         url,
        Secret:      secret,
        HTTP:        &http.Client{Timeout: 5 * time.Second},
        MaxAttempts: maxAttempts,
        stop:        make(chan struct{}),
    }
}

func (w *Webhook) Notify(ctx context.Context, n model.OffRouteNotification) error {
    body, err := json.Marshal(n)
    if err != nil { return err }
    w.mu.Lock()
    w.queue = append(w.queue, &webhookDelivery{
        Payload:       body,
        EventType:     "offroute." + string(n.WarningStatus),
        NextAttemptAt: time.Now(),
    })
    w.mu.Unlock()
    return nil
}

// Start launches the delivery loop.
func (w *Webhook) Start() {
    go func() {
        ticker := time.NewTicker(1 * time.Second)
        defer ticker.Stop()
        for {
            select {
            case <-w.stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Webhook) Stop() { w.once.Do(func() { close(w.stop) }) }

func (w *Webhook) processOnce() {
    due := w.takeDue(50)
    if len(due) == 0 { return }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    for _, d := range due {
        req, _ := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(d.Payload))
        req.Header.Set("Content-Type", "application/json")
        req.Header.Set("X-Event-Type", d.EventType)
        if w.Secret != "" {
            req.Header.Set("X-Signature", SignHMAC(w.Secret, d.Payload))
        }
        resp, err := w.HTTP.Do(req)
        success := false
        if err == nil && resp != nil {
            if resp.Body != nil { _ = resp.Body.Close() }
            success = resp.StatusCode >= 200 && resp.StatusCode < 300
        }
        if success {
            continue
        }
        d.Attempts++
        if d.Attempts >= w.MaxAttempts {
            log.Printf("[notify] webhook delivery dropped after %d attempts type=%s err=%v", d.Attempts, d.EventType, err)
            continue
        }
        d.NextAttemptAt = time.Now().Add(nextBackoff(d.Attempts))
        w.requeue(d)
    }
}

func (w *Webhook) takeDue(limit int) []*webhookDelivery {
    now := time.Now()
    w.mu.Lock()
    defer w.mu.Unlock()
    due := []*webhookDelivery{}
    rest := w.queue[:0]
    for _, d := range w.queue {
        if len(due) < limit && !d.NextAttemptAt.After(now) {
            due = append(due, d)
        } else {
            rest = append(rest, d)
        }
    }
    w.queue = rest
    return due
}

func (w *Webhook) requeue(d *webhookDelivery) {
    w.mu.Lock()
    w.queue = append(w.queue, d)
    w.mu.Unlock()
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return fmt.Sprintf("%x", mac.Sum(nil))
}

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    b, err := hex.DecodeString(provided)
    if err != nil {
        return false
    }
    return hmac.Equal(mac.Sum(nil), b)
}
