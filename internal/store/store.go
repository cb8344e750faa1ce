package store

import (
    "context"
    "errors"

    "routewatch/internal/model"
)

// Store is the persistence interface for off-route events. Reads used for
// engine decisions reflect the latest committed write for an assignment.
type Store interface {
    // SaveEvent inserts the event when Version is zero, otherwise performs a
    // compare-and-swap against the stored version. On success the event's
    // Version is bumped in place. A stale version yields ErrConflict, as does
    // inserting a second active event for the same assignment.
    SaveEvent(ctx context.Context, ev *model.OffRouteEvent) error

    GetEvent(ctx context.Context, id string) (model.OffRouteEvent, error)
    FindActiveByAssignment(ctx context.Context, assignmentID string) (model.OffRouteEvent, error)
    FindAllInGracePeriod(ctx context.Context) ([]model.OffRouteEvent, error)
    FindAllActive(ctx context.Context) ([]model.OffRouteEvent, error)
    FindByIssueID(ctx context.Context, issueID string) (model.OffRouteEvent, error)

    // ListEvents returns events newest first, up to limit.
    ListEvents(ctx context.Context, limit int) ([]model.OffRouteEvent, error)
}

var (
    ErrNotFound = errors.New("not found")
    // ErrConflict signals a lost optimistic-concurrency race; the caller
    // reloads the event and retries once.
    ErrConflict = errors.New("version conflict")
)
