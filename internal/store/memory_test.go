package store

import (
	"context"
	"testing"
	"time"

	"routewatch/internal/model"
)

func newEvent(assignment string, status model.WarningStatus) *model.OffRouteEvent {
	now := time.Now().UTC()
	return &model.OffRouteEvent{
		VehicleAssignmentID:     assignment,
		OrderID:                 "ord-1",
		WarningStatus:           status,
		DeviationDistanceMeters: 420,
		LastKnownLat:            10.0,
		LastKnownLng:            106.01,
		FirstDetectedAt:         now,
		LastCheckedAt:           now,
	}
}

func TestMemorySaveAssignsIDAndVersion(t *testing.T) {
	m := NewMemory()
	ev := newEvent("va-1", model.StatusGracePeriod)
	if err := m.SaveEvent(context.Background(), ev); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ev.ID == "" || ev.Version != 1 {
		t.Fatalf("expected id and version 1, got id=%q version=%d", ev.ID, ev.Version)
	}
	got, err := m.FindActiveByAssignment(context.Background(), "va-1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if got.ID != ev.ID {
		t.Fatalf("active lookup returned %s, want %s", got.ID, ev.ID)
	}
}

func TestMemorySecondActiveEventConflicts(t *testing.T) {
	m := NewMemory()
	if err := m.SaveEvent(context.Background(), newEvent("va-1", model.StatusGracePeriod)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	err := m.SaveEvent(context.Background(), newEvent("va-1", model.StatusWarned))
	if err != ErrConflict {
		t.Fatalf("want ErrConflict for duplicate active event, got %v", err)
	}
}

func TestMemoryVersionCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ev := newEvent("va-1", model.StatusGracePeriod)
	if err := m.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := *ev
	ev.DeviationDistanceMeters = 900
	if err := m.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if ev.Version != 2 {
		t.Fatalf("version not bumped: %d", ev.Version)
	}

	stale.DeviationDistanceMeters = 100
	if err := m.SaveEvent(ctx, &stale); err != ErrConflict {
		t.Fatalf("stale save: want ErrConflict, got %v", err)
	}
}

func TestMemoryResolveFreesActiveSlot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ev := newEvent("va-1", model.StatusGracePeriod)
	if err := m.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("save: %v", err)
	}
	now := time.Now().UTC()
	ev.WarningStatus = model.StatusResolved
	ev.GracePeriodExpiresAt = nil
	ev.ResolvedAt = &now
	if err := m.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := m.FindActiveByAssignment(ctx, "va-1"); err != ErrNotFound {
		t.Fatalf("resolved event still active: %v", err)
	}
	// A fresh episode may start now.
	if err := m.SaveEvent(ctx, newEvent("va-1", model.StatusWarned)); err != nil {
		t.Fatalf("new episode after resolve: %v", err)
	}
}

func TestMemoryGracePeriodQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	grace := newEvent("va-1", model.StatusGracePeriod)
	exp := time.Now().UTC().Add(5 * time.Minute)
	grace.GracePeriodExpiresAt = &exp
	escalated := newEvent("va-2", model.StatusEscalated)
	if err := m.SaveEvent(ctx, grace); err != nil {
		t.Fatalf("save grace: %v", err)
	}
	if err := m.SaveEvent(ctx, escalated); err != nil {
		t.Fatalf("save escalated: %v", err)
	}
	got, err := m.FindAllInGracePeriod(ctx)
	if err != nil {
		t.Fatalf("find grace: %v", err)
	}
	if len(got) != 1 || got[0].VehicleAssignmentID != "va-1" {
		t.Fatalf("grace query: %+v", got)
	}
	active, err := m.FindAllActive(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("active query: %v %+v", err, active)
	}
}

func TestMemoryFindByIssueID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ev := newEvent("va-1", model.StatusEscalated)
	ev.RelatedIssueID = "iss-9"
	if err := m.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.FindByIssueID(ctx, "iss-9")
	if err != nil || got.ID != ev.ID {
		t.Fatalf("find by issue: %v %+v", err, got)
	}
	if _, err := m.FindByIssueID(ctx, ""); err != ErrNotFound {
		t.Fatalf("empty issue id should be not found, got %v", err)
	}
}

func TestMemoryListNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := newEvent("va-1", model.StatusResolved)
	old.FirstDetectedAt = time.Now().UTC().Add(-time.Hour)
	recent := newEvent("va-2", model.StatusGracePeriod)
	if err := m.SaveEvent(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := m.SaveEvent(ctx, recent); err != nil {
		t.Fatalf("save recent: %v", err)
	}
	got, err := m.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].VehicleAssignmentID != "va-2" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}
