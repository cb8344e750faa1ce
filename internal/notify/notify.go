package notify

import (
    "context"
    "errors"

    "routewatch/internal/model"
)

// Sink delivers off-route notifications to interested parties. Delivery is
// best-effort and fire-and-forget relative to engine state: a failed send is
// logged by the caller, never rolled back.
type Sink interface {
    Notify(ctx context.Context, n model.OffRouteNotification) error
}

// Multi fans one notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n model.OffRouteNotification) error {
    var errs []error
    for _, s := range m {
        if err := s.Notify(ctx, n); err != nil {
            errs = append(errs, err)
        }
    }
    return errors.Join(errs...)
}
