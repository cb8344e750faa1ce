package notify

import (
    "context"
    "encoding/json"
    "time"

    redis "github.com/redis/go-redis/v9"

    "routewatch/internal/model"
)

// RedisBroker publishes notifications over Redis Pub/Sub so other service
// instances (and the chat/push gateway) can fan them out.
type RedisBroker struct {
    rdb *redis.Client
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBroker{rdb: redis.NewClient(opt)}, nil
}

func (b *RedisBroker) Notify(ctx context.Context, n model.OffRouteNotification) error {
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    data, err := json.Marshal(n)
    if err != nil { return err }
    return b.rdb.Publish(ctx, b.chanName(n.VehicleAssignmentID), data).Err()
}

// Subscribe streams notifications for one assignment published by any
// instance. The returned channel closes when the subscription drops.
func (b *RedisBroker) Subscribe(ctx context.Context, assignmentID string) chan model.OffRouteNotification {
    ch := make(chan model.OffRouteNotification, 16)
    ps := b.rdb.Subscribe(ctx, b.chanName(assignmentID))
    // initial consume to ensure subscription
    _, _ = ps.Receive(ctx)
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var n model.OffRouteNotification
            if err := json.Unmarshal([]byte(msg.Payload), &n); err == nil {
                select { case ch <- n: default: }
            }
        }
    }()
    return ch
}

func (b *RedisBroker) chanName(assignmentID string) string { return "offroute:" + assignmentID }
