package issues

import (
    "context"
    "sync"

    "github.com/google/uuid"
    "routewatch/internal/model"
)

// Creator opens a ticket in the external issue-tracking subsystem. It is
// invoked exactly once per escalation; the returned id is stored on the event.
type Creator interface {
    CreateOffRouteIssue(ctx context.Context, req model.IssueRequest) (issueID string, err error)
}

// Memory records issues in process. Used when no issue subsystem is wired,
// and by tests.
type Memory struct {
    mu     sync.Mutex
    Issues []model.IssueRequest
    ids    map[string]string // eventID -> issueID
}

func NewMemory() *Memory {
    return &Memory{ids: map[string]string{}}
}

func (m *Memory) CreateOffRouteIssue(ctx context.Context, req model.IssueRequest) (string, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if id, ok := m.ids[req.EventID]; ok {
        return id, nil
    }
    id := uuid.New().String()
    m.ids[req.EventID] = id
    m.Issues = append(m.Issues, req)
    return id, nil
}
