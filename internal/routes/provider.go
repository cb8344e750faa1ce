package routes

import (
    "context"
    "errors"
    "sync"

    "routewatch/internal/model"
)

// Provider returns the ordered route geometry a vehicle assignment is
// expected to follow. Implementations wrap whatever owns the journey data;
// the engine treats a failure here as an inconclusive update.
type Provider interface {
    RouteForAssignment(ctx context.Context, assignmentID string) ([]model.GeoPoint, error)
}

// OrderResolver is implemented by providers that also know which order an
// assignment is fulfilling. Providers without order data simply omit it.
type OrderResolver interface {
    OrderForAssignment(ctx context.Context, assignmentID string) (string, error)
}

var ErrNoRoute = errors.New("no route geometry for assignment")

// Static is an in-memory geometry registry used in tests and demo runs.
type Static struct {
    mu     sync.RWMutex
    routes map[string][]model.GeoPoint
    orders map[string]string
}

func NewStatic() *Static {
    return &Static{routes: map[string][]model.GeoPoint{}, orders: map[string]string{}}
}

func (s *Static) Set(assignmentID string, pts []model.GeoPoint) {
    s.mu.Lock()
    s.routes[assignmentID] = pts
    s.mu.Unlock()
}

func (s *Static) SetOrder(assignmentID, orderID string) {
    s.mu.Lock()
    s.orders[assignmentID] = orderID
    s.mu.Unlock()
}

func (s *Static) OrderForAssignment(ctx context.Context, assignmentID string) (string, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    id, ok := s.orders[assignmentID]
    if !ok {
        return "", ErrNoRoute
    }
    return id, nil
}

func (s *Static) RouteForAssignment(ctx context.Context, assignmentID string) ([]model.GeoPoint, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    pts, ok := s.routes[assignmentID]
    if !ok || len(pts) == 0 {
        return nil, ErrNoRoute
    }
    out := make([]model.GeoPoint, len(pts))
    copy(out, pts)
    return out, nil
}
