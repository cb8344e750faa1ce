package engine

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "routewatch/internal/geo"
    "routewatch/internal/issues"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/routes"
    "routewatch/internal/store"
)

// Options tune the escalation state machine.
type Options struct {
    GraceWindow        time.Duration
    GraceExtension     time.Duration
    MaxGraceExtensions int
}

// Engine consumes position updates and periodic ticks and drives the
// off-route warning state machine. All mutations for one assignment are
// serialized through a per-assignment lock; unrelated assignments never
// block each other. The lock covers state transitions only: geometry lookups
// run before it is taken and notifications/issue creation after it is
// released, so sink or provider latency never stalls the next update. The
// version CAS on save re-validates any state that moved in between.
type Engine struct {
    Store  store.Store
    Routes routes.Provider
    Sink   notify.Sink
    Issues issues.Creator
    Eval   geo.Evaluator
    Opts   Options

    locks *lockTable
    now   func() time.Time
}

func New(s store.Store, rp routes.Provider, sink notify.Sink, ic issues.Creator, eval geo.Evaluator, opts Options) *Engine {
    if opts.GraceWindow <= 0 {
        opts.GraceWindow = 5 * time.Minute
    }
    if opts.MaxGraceExtensions <= 0 {
        opts.MaxGraceExtensions = 3
    }
    return &Engine{
        Store:  s,
        Routes: rp,
        Sink:   sink,
        Issues: ic,
        Eval:   eval,
        Opts:   opts,
        locks:  newLockTable(),
        now:    time.Now,
    }
}

// OnPositionUpdate evaluates one GPS report against the assignment's route
// and advances the state machine.
func (e *Engine) OnPositionUpdate(ctx context.Context, pos model.PositionUpdate) error {
    if pos.VehicleAssignmentID == "" {
        return fmt.Errorf("position update without assignment id")
    }
    route, err := e.Routes.RouteForAssignment(ctx, pos.VehicleAssignmentID)
    if err != nil {
        // Inconclusive: without geometry the deviation cannot be computed.
        log.Printf("[offroute] route geometry unavailable assignment=%s err=%v", pos.VehicleAssignmentID, err)
        metrics.PositionUpdates.WithLabelValues("inconclusive").Inc()
        return nil
    }
    dev := e.Eval.Evaluate(model.GeoPoint{Lat: pos.Latitude, Lng: pos.Longitude}, route)

    pending, err := e.applyPosition(ctx, pos, dev)
    for _, n := range pending {
        e.dispatch(ctx, n)
    }
    return err
}

// applyPosition advances the state machine under the assignment lock and
// returns the notifications to dispatch once the lock is released.
func (e *Engine) applyPosition(ctx context.Context, pos model.PositionUpdate, dev geo.DeviationResult) ([]model.OffRouteNotification, error) {
    release := e.locks.acquire(pos.VehicleAssignmentID)
    defer release()

    ev, err := e.Store.FindActiveByAssignment(ctx, pos.VehicleAssignmentID)
    switch {
    case errors.Is(err, store.ErrNotFound):
        if !dev.OffRoute {
            metrics.PositionUpdates.WithLabelValues("processed").Inc()
            return nil, nil
        }
        return e.openEvent(ctx, pos, dev)
    case err != nil:
        return nil, fmt.Errorf("find active event: %w", err)
    }

    // Replayed message: same instant and same fix already applied.
    if pos.Timestamp.Equal(ev.LastCheckedAt) && pos.Latitude == ev.LastKnownLat && pos.Longitude == ev.LastKnownLng {
        metrics.PositionUpdates.WithLabelValues("processed").Inc()
        return nil, nil
    }

    if !dev.OffRoute {
        note, err := e.resolve(ctx, &ev, "vehicle returned to planned route")
        if err != nil {
            return nil, err
        }
        metrics.PositionUpdates.WithLabelValues("processed").Inc()
        if note == nil {
            return nil, nil
        }
        return []model.OffRouteNotification{*note}, nil
    }

    // Still off-route: refresh measurements only. Grace expiry is decided by
    // the periodic tick, never by update frequency.
    _, err = e.transition(ctx, &ev, func(cur *model.OffRouteEvent) bool {
        if !cur.Active() {
            return false
        }
        if cur.WarningStatus == model.StatusWarned {
            // Interrupted between warning and grace entry; finish it now.
            expires := e.now().UTC().Add(e.Opts.GraceWindow)
            cur.WarningStatus = model.StatusGracePeriod
            cur.GracePeriodExpiresAt = &expires
        }
        prev := cur.DeviationDistanceMeters
        cur.PreviousDeviationMeters = &prev
        cur.DeviationDistanceMeters = dev.DistanceMeters
        cur.LastKnownLat = pos.Latitude
        cur.LastKnownLng = pos.Longitude
        cur.LastCheckedAt = e.stamp(pos.Timestamp)
        return true
    })
    if err != nil {
        return nil, err
    }
    metrics.PositionUpdates.WithLabelValues("processed").Inc()
    return nil, nil
}

// openEvent creates a fresh episode: WARNED is persisted, then the event
// enters GRACE_PERIOD with its deadline. The warning notification is returned
// for dispatch after the lock drops; it fires at most once per episode
// because a second update finds the active event instead of creating one.
func (e *Engine) openEvent(ctx context.Context, pos model.PositionUpdate, dev geo.DeviationResult) ([]model.OffRouteNotification, error) {
    now := e.now().UTC()
    ev := model.OffRouteEvent{
        VehicleAssignmentID:     pos.VehicleAssignmentID,
        OrderID:                 e.orderFor(ctx, pos.VehicleAssignmentID),
        WarningStatus:           model.StatusWarned,
        DeviationDistanceMeters: dev.DistanceMeters,
        LastKnownLat:            pos.Latitude,
        LastKnownLng:            pos.Longitude,
        FirstDetectedAt:         now,
        LastCheckedAt:           e.stamp(pos.Timestamp),
    }
    if err := e.Store.SaveEvent(ctx, &ev); err != nil {
        if errors.Is(err, store.ErrConflict) {
            // Another writer opened the episode first; it owns the warning.
            log.Printf("[offroute] lost create race assignment=%s", pos.VehicleAssignmentID)
            return nil, nil
        }
        return nil, fmt.Errorf("create event: %w", err)
    }
    metrics.Transitions.WithLabelValues(string(model.StatusWarned)).Inc()
    metrics.ActiveEvents.Inc()
    log.Printf("[offroute] new off-route event assignment=%s distance=%.0fm event=%s", ev.VehicleAssignmentID, dev.DistanceMeters, ev.ID)
    pending := []model.OffRouteNotification{e.notification(&ev)}

    expires := now.Add(e.Opts.GraceWindow)
    changed, err := e.transition(ctx, &ev, func(cur *model.OffRouteEvent) bool {
        if cur.WarningStatus != model.StatusWarned {
            return false
        }
        cur.WarningStatus = model.StatusGracePeriod
        cur.GracePeriodExpiresAt = &expires
        return true
    })
    if err != nil {
        return pending, fmt.Errorf("enter grace period: %w", err)
    }
    if changed {
        metrics.Transitions.WithLabelValues(string(model.StatusGracePeriod)).Inc()
    }
    metrics.PositionUpdates.WithLabelValues("processed").Inc()
    return pending, nil
}

// resolve commits the RESOLVED transition and returns the notification to
// dispatch once the caller drops the lock, or nil when the event already
// left the active set.
func (e *Engine) resolve(ctx context.Context, ev *model.OffRouteEvent, reason string) (*model.OffRouteNotification, error) {
    changed, err := e.transition(ctx, ev, func(cur *model.OffRouteEvent) bool {
        if !cur.Active() {
            return false
        }
        now := e.now().UTC()
        cur.WarningStatus = model.StatusResolved
        cur.GracePeriodExpiresAt = nil
        cur.ResolvedAt = &now
        cur.ResolvedReason = reason
        cur.LastCheckedAt = now
        return true
    })
    if err != nil {
        return nil, err
    }
    if !changed {
        return nil, nil
    }
    metrics.Transitions.WithLabelValues(string(model.StatusResolved)).Inc()
    metrics.ActiveEvents.Dec()
    log.Printf("[offroute] resolved assignment=%s event=%s reason=%q", ev.VehicleAssignmentID, ev.ID, reason)
    n := e.notification(ev)
    return &n, nil
}

// CheckAndSendWarnings is the periodic tick: every GRACE_PERIOD event whose
// deadline has passed is re-evaluated against its last known position and
// escalated if still off-route. The tick is the sole mechanism guaranteeing
// escalation when a device goes silent; a missed tick delays an escalation
// but the next tick catches every expired deadline.
func (e *Engine) CheckAndSendWarnings(ctx context.Context) {
    start := e.now()
    defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

    events, err := e.Store.FindAllInGracePeriod(ctx)
    if err != nil {
        log.Printf("[offroute] tick: load grace-period events: %v", err)
        return
    }
    now := e.now().UTC()

    // Different assignments may escalate in parallel; the per-assignment lock
    // still serializes each against concurrent position updates.
    sem := make(chan struct{}, 4)
    done := make(chan struct{}, len(events))
    scheduled := 0
    for i := range events {
        ev := events[i]
        if ev.GracePeriodExpiresAt == nil {
            // Enforced by construction everywhere; reaching this is a defect.
            log.Printf("[offroute] DEFECT: event %s in GRACE_PERIOD without deadline", ev.ID)
            continue
        }
        if now.Before(*ev.GracePeriodExpiresAt) {
            continue
        }
        scheduled++
        sem <- struct{}{}
        go func() {
            defer func() {
                if r := recover(); r != nil {
                    log.Printf("[offroute] tick: panic processing event %s: %v", ev.ID, r)
                }
                <-sem
                done <- struct{}{}
            }()
            if err := e.escalateExpired(ctx, ev.VehicleAssignmentID); err != nil {
                log.Printf("[offroute] tick: event %s: %v", ev.ID, err)
            }
        }()
    }
    for i := 0; i < scheduled; i++ {
        select {
        case <-done:
        case <-ctx.Done():
            log.Printf("[offroute] tick: deadline exceeded with %d events pending", scheduled-i)
            return
        }
    }
}

// escalateExpired re-checks one assignment. Geometry is fetched before the
// lock and the issue/notification calls run after the transition committed
// and the lock dropped; a crash after the commit costs a ticket, never the
// escalation, and issue creation is idempotent per event id.
func (e *Engine) escalateExpired(ctx context.Context, assignmentID string) error {
    route, rerr := e.Routes.RouteForAssignment(ctx, assignmentID)
    if rerr != nil {
        // Absence of geometry is not evidence the driver returned.
        log.Printf("[offroute] tick: geometry unavailable assignment=%s err=%v", assignmentID, rerr)
        route = nil
    }

    ev, note, err := e.commitEscalation(ctx, assignmentID, route)
    if err != nil || note == nil {
        return err
    }

    if note.WarningStatus == model.StatusEscalated && e.Issues != nil {
        issueID, ierr := e.Issues.CreateOffRouteIssue(ctx, model.IssueRequest{
            EventID:             ev.ID,
            VehicleAssignmentID: ev.VehicleAssignmentID,
            OrderID:             ev.OrderID,
            Description: fmt.Sprintf("Driver failed to return to route within grace period. Distance from route: %.0f meters.",
                ev.DeviationDistanceMeters),
            Latitude:  ev.LastKnownLat,
            Longitude: ev.LastKnownLng,
        })
        if ierr != nil {
            log.Printf("[offroute] issue creation failed event=%s: %v", ev.ID, ierr)
        } else {
            if _, err := e.transition(ctx, &ev, func(cur *model.OffRouteEvent) bool {
                if cur.RelatedIssueID != "" {
                    return false
                }
                cur.RelatedIssueID = issueID
                return true
            }); err != nil {
                log.Printf("[offroute] link issue %s to event %s: %v", issueID, ev.ID, err)
            }
        }
    }

    e.dispatch(ctx, *note)
    return nil
}

// commitEscalation holds the assignment lock just long enough to re-verify
// the deadline and persist the ESCALATED (or RESOLVED) transition. The stored
// last known position decides "still off-route".
func (e *Engine) commitEscalation(ctx context.Context, assignmentID string, route []model.GeoPoint) (model.OffRouteEvent, *model.OffRouteNotification, error) {
    release := e.locks.acquire(assignmentID)
    defer release()

    ev, err := e.Store.FindActiveByAssignment(ctx, assignmentID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return model.OffRouteEvent{}, nil, nil // resolved while we waited for the lock
        }
        return model.OffRouteEvent{}, nil, err
    }
    if ev.WarningStatus != model.StatusGracePeriod {
        return ev, nil, nil
    }
    if ev.GracePeriodExpiresAt == nil {
        return ev, nil, fmt.Errorf("DEFECT: event %s in GRACE_PERIOD without deadline", ev.ID)
    }
    if e.now().UTC().Before(*ev.GracePeriodExpiresAt) {
        return ev, nil, nil // extended while we waited for the lock
    }

    stillOff := true
    if route != nil {
        dev := e.Eval.Evaluate(model.GeoPoint{Lat: ev.LastKnownLat, Lng: ev.LastKnownLng}, route)
        stillOff = dev.OffRoute
        ev.DeviationDistanceMeters = dev.DistanceMeters
    }
    if !stillOff {
        note, err := e.resolve(ctx, &ev, "vehicle returned to planned route before escalation")
        return ev, note, err
    }

    changed, err := e.transition(ctx, &ev, func(cur *model.OffRouteEvent) bool {
        if cur.WarningStatus != model.StatusGracePeriod {
            return false
        }
        cur.WarningStatus = model.StatusEscalated
        cur.GracePeriodExpiresAt = nil
        cur.LastCheckedAt = e.now().UTC()
        return true
    })
    if err != nil || !changed {
        return ev, nil, err
    }
    metrics.Transitions.WithLabelValues(string(model.StatusEscalated)).Inc()
    log.Printf("[offroute] escalated assignment=%s event=%s distance=%.0fm", assignmentID, ev.ID, ev.DeviationDistanceMeters)
    n := e.notification(&ev)
    return ev, &n, nil
}

// ResolveManually closes an active event on staff confirmation.
func (e *Engine) ResolveManually(ctx context.Context, eventID, reason string) (model.OffRouteEvent, error) {
    if reason == "" {
        reason = "staff confirmed driver is safe"
    }
    ev, note, err := e.resolveLocked(ctx, eventID, reason)
    if err != nil {
        return model.OffRouteEvent{}, err
    }
    if note != nil {
        e.dispatch(ctx, *note)
    }
    return ev, nil
}

func (e *Engine) resolveLocked(ctx context.Context, eventID, reason string) (model.OffRouteEvent, *model.OffRouteNotification, error) {
    ev, err := e.Store.GetEvent(ctx, eventID)
    if err != nil {
        return model.OffRouteEvent{}, nil, err
    }
    release := e.locks.acquire(ev.VehicleAssignmentID)
    defer release()
    ev, err = e.Store.GetEvent(ctx, eventID)
    if err != nil {
        return model.OffRouteEvent{}, nil, err
    }
    if !ev.Active() {
        return ev, nil, fmt.Errorf("event %s already resolved", eventID)
    }
    note, err := e.resolve(ctx, &ev, reason)
    if err != nil {
        return model.OffRouteEvent{}, nil, err
    }
    return ev, note, nil
}

// ExtendGracePeriod pushes an event's deadline back by one extension. Staff
// may grant at most MaxGraceExtensions per episode.
func (e *Engine) ExtendGracePeriod(ctx context.Context, eventID string) (model.OffRouteEvent, error) {
    ev, err := e.Store.GetEvent(ctx, eventID)
    if err != nil {
        return model.OffRouteEvent{}, err
    }
    release := e.locks.acquire(ev.VehicleAssignmentID)
    defer release()
    ev, err = e.Store.GetEvent(ctx, eventID)
    if err != nil {
        return model.OffRouteEvent{}, err
    }
    if ev.WarningStatus != model.StatusGracePeriod {
        return ev, fmt.Errorf("event %s is %s; only grace-period events can be extended", eventID, ev.WarningStatus)
    }
    if ev.GraceExtensionCount >= e.Opts.MaxGraceExtensions {
        return ev, fmt.Errorf("event %s reached the maximum of %d extensions", eventID, e.Opts.MaxGraceExtensions)
    }
    _, err = e.transition(ctx, &ev, func(cur *model.OffRouteEvent) bool {
        if cur.WarningStatus != model.StatusGracePeriod || cur.GracePeriodExpiresAt == nil {
            return false
        }
        next := cur.GracePeriodExpiresAt.Add(e.Opts.GraceExtension)
        cur.GracePeriodExpiresAt = &next
        cur.GraceExtensionCount++
        return true
    })
    if err != nil {
        return model.OffRouteEvent{}, err
    }
    log.Printf("[offroute] grace period extended event=%s expires=%s count=%d", ev.ID, ev.GracePeriodExpiresAt, ev.GraceExtensionCount)
    return ev, nil
}

// transition applies mutate to ev and saves it. A lost version race is
// retried once against the reloaded current state; mutate returns false when
// the transition no longer applies there.
func (e *Engine) transition(ctx context.Context, ev *model.OffRouteEvent, mutate func(*model.OffRouteEvent) bool) (bool, error) {
    if !mutate(ev) {
        return false, nil
    }
    err := e.Store.SaveEvent(ctx, ev)
    if err == nil {
        return true, nil
    }
    if !errors.Is(err, store.ErrConflict) {
        return false, err
    }
    cur, gerr := e.Store.GetEvent(ctx, ev.ID)
    if gerr != nil {
        return false, fmt.Errorf("reload after conflict: %w", gerr)
    }
    if !mutate(&cur) {
        *ev = cur
        log.Printf("[offroute] transition skipped after conflict event=%s status=%s", cur.ID, cur.WarningStatus)
        return false, nil
    }
    if serr := e.Store.SaveEvent(ctx, &cur); serr != nil {
        return false, fmt.Errorf("retry after conflict: %w", serr)
    }
    *ev = cur
    return true, nil
}

// notification snapshots the payload for a committed transition; it is built
// while the state is current and dispatched after the lock drops.
func (e *Engine) notification(ev *model.OffRouteEvent) model.OffRouteNotification {
    return model.OffRouteNotification{
        VehicleAssignmentID:     ev.VehicleAssignmentID,
        OrderID:                 ev.OrderID,
        EventID:                 ev.ID,
        WarningStatus:           ev.WarningStatus,
        DeviationDistanceMeters: ev.DeviationDistanceMeters,
        Timestamp:               e.now().UTC(),
    }
}

func (e *Engine) dispatch(ctx context.Context, n model.OffRouteNotification) {
    if e.Sink == nil {
        return
    }
    if err := e.Sink.Notify(ctx, n); err != nil {
        // Fire-and-forget: the transition is already committed.
        metrics.Notifications.WithLabelValues("error").Inc()
        log.Printf("[offroute] notification failed event=%s status=%s: %v", n.EventID, n.WarningStatus, err)
        return
    }
    metrics.Notifications.WithLabelValues("ok").Inc()
}

// stamp prefers the device timestamp but never trusts a zero value.
func (e *Engine) stamp(t time.Time) time.Time {
    if t.IsZero() {
        return e.now().UTC()
    }
    return t.UTC()
}

// orderFor resolves the order reference for a new event. Order lookup lives
// with the order subsystem; assignments created by the demo tooling carry no
// order and the field stays empty.
func (e *Engine) orderFor(ctx context.Context, assignmentID string) string {
    if r, ok := e.Routes.(routes.OrderResolver); ok {
        if id, err := r.OrderForAssignment(ctx, assignmentID); err == nil {
            return id
        }
    }
    return ""
}
