package notify

import (
    "context"
    "sync"

    "routewatch/internal/model"
)

// Broker is an in-process pub/sub sink. Subscribers register per assignment
// id, or with AllKey for the staff-wide feed. Slow subscribers drop messages
// rather than block the engine.
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan model.OffRouteNotification]struct{}
}

// AllKey subscribes to every assignment's notifications.
const AllKey = "*"

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan model.OffRouteNotification]struct{}{}}
}

func (b *Broker) Subscribe(key string) chan model.OffRouteNotification {
    ch := make(chan model.OffRouteNotification, 8)
    b.mu.Lock()
    if b.subs[key] == nil { b.subs[key] = map[chan model.OffRouteNotification]struct{}{} }
    b.subs[key][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(key string, ch chan model.OffRouteNotification) {
    b.mu.Lock()
    if m := b.subs[key]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, key) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Notify(ctx context.Context, n model.OffRouteNotification) error {
    b.mu.Lock()
    for _, key := range []string{n.VehicleAssignmentID, AllKey} {
        for ch := range b.subs[key] {
            select { case ch <- n: default: }
        }
    }
    b.mu.Unlock()
    return nil
}
