package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"routewatch/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("va-1")
	all := b.Subscribe(AllKey)

	n := model.OffRouteNotification{VehicleAssignmentID: "va-1", EventID: "ev-1", WarningStatus: model.StatusWarned}
	if err := b.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}

	for _, c := range []chan model.OffRouteNotification{ch, all} {
		select {
		case got := <-c:
			if got.EventID != "ev-1" || got.WarningStatus != model.StatusWarned {
				t.Fatalf("bad notification: %+v", got)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timeout waiting for notification")
		}
	}

	b.Unsubscribe("va-1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBroker()
	_ = b.Subscribe("va-1") // never drained
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Notify(context.Background(), model.OffRouteNotification{VehicleAssignmentID: "va-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
}

func TestWebhookProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "secret", 3)
	w.HTTP = srv.Client()
	n := model.OffRouteNotification{VehicleAssignmentID: "va-1", EventID: "ev-1", WarningStatus: model.StatusEscalated}
	if err := w.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}

	w.processOnce()

	if gotType != "offroute.ESCALATED" {
		t.Fatalf("event type header: %q", gotType)
	}
	if gotSig == "" || !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("bad signature %q for body %s", gotSig, gotBody)
	}
	if len(w.takeDue(10)) != 0 {
		t.Fatal("delivered item left in queue")
	}
}

func TestWebhookProcessOnce_RetriesThenDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	w := NewWebhook(srv.URL, "", 2)
	w.HTTP = srv.Client()
	_ = w.Notify(context.Background(), model.OffRouteNotification{EventID: "ev-1"})

	w.processOnce()
	w.mu.Lock()
	queued := len(w.queue)
	var attempts int
	if queued > 0 {
		attempts = w.queue[0].Attempts
	}
	w.mu.Unlock()
	if queued != 1 || attempts != 1 {
		t.Fatalf("expected one retry pending, got queued=%d attempts=%d", queued, attempts)
	}

	// Force the backoff deadline into the past and exhaust attempts.
	w.mu.Lock()
	w.queue[0].NextAttemptAt = time.Now().Add(-time.Second)
	w.mu.Unlock()
	w.processOnce()
	w.mu.Lock()
	queued = len(w.queue)
	w.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected drop after max attempts, %d still queued", queued)
	}
}
