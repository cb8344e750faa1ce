package store

import (
    "context"
    "sort"
    "sync"

    "github.com/google/uuid"
    "routewatch/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set, and by tests.
type Memory struct {
    mu     sync.Mutex
    events map[string]model.OffRouteEvent // id -> event
    active map[string]string              // assignmentId -> active event id
    order  []string                       // ids in insertion order
}

func NewMemory() *Memory {
    return &Memory{
        events: map[string]model.OffRouteEvent{},
        active: map[string]string{},
        order:  []string{},
    }
}

func (m *Memory) SaveEvent(ctx context.Context, ev *model.OffRouteEvent) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if ev.Version == 0 {
        if ev.ID == "" {
            ev.ID = uuid.New().String()
        }
        if ev.Active() {
            if _, exists := m.active[ev.VehicleAssignmentID]; exists {
                return ErrConflict
            }
            m.active[ev.VehicleAssignmentID] = ev.ID
        }
        ev.Version = 1
        m.events[ev.ID] = *ev
        m.order = append(m.order, ev.ID)
        return nil
    }
    cur, ok := m.events[ev.ID]
    if !ok {
        return ErrNotFound
    }
    if cur.Version != ev.Version {
        return ErrConflict
    }
    ev.Version++
    m.events[ev.ID] = *ev
    if ev.Active() {
        m.active[ev.VehicleAssignmentID] = ev.ID
    } else if m.active[ev.VehicleAssignmentID] == ev.ID {
        delete(m.active, ev.VehicleAssignmentID)
    }
    return nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (model.OffRouteEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    ev, ok := m.events[id]
    if !ok {
        return model.OffRouteEvent{}, ErrNotFound
    }
    return ev, nil
}

func (m *Memory) FindActiveByAssignment(ctx context.Context, assignmentID string) (model.OffRouteEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    id, ok := m.active[assignmentID]
    if !ok {
        return model.OffRouteEvent{}, ErrNotFound
    }
    return m.events[id], nil
}

func (m *Memory) FindAllInGracePeriod(ctx context.Context) ([]model.OffRouteEvent, error) {
    return m.filter(func(ev model.OffRouteEvent) bool {
        return ev.WarningStatus == model.StatusGracePeriod
    }), nil
}

func (m *Memory) FindAllActive(ctx context.Context) ([]model.OffRouteEvent, error) {
    return m.filter(func(ev model.OffRouteEvent) bool { return ev.Active() }), nil
}

func (m *Memory) FindByIssueID(ctx context.Context, issueID string) (model.OffRouteEvent, error) {
    if issueID == "" {
        return model.OffRouteEvent{}, ErrNotFound
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    for _, ev := range m.events {
        if ev.RelatedIssueID == issueID {
            return ev, nil
        }
    }
    return model.OffRouteEvent{}, ErrNotFound
}

func (m *Memory) ListEvents(ctx context.Context, limit int) ([]model.OffRouteEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if limit <= 0 {
        limit = 100
    }
    out := make([]model.OffRouteEvent, 0, len(m.order))
    for _, id := range m.order {
        out = append(out, m.events[id])
    }
    sort.SliceStable(out, func(i, j int) bool {
        return out[i].FirstDetectedAt.After(out[j].FirstDetectedAt)
    })
    if len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

func (m *Memory) filter(keep func(model.OffRouteEvent) bool) []model.OffRouteEvent {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := []model.OffRouteEvent{}
    for _, id := range m.order {
        if ev := m.events[id]; keep(ev) {
            out = append(out, ev)
        }
    }
    return out
}
