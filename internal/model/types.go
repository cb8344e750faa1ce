package model

import "time"

// Core domain types for off-route detection

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// WarningStatus is the state of an off-route event.
// NONE only appears in payloads (no event exists yet); persisted events move
// WARNED -> GRACE_PERIOD -> ESCALATED and terminate in RESOLVED.
type WarningStatus string

const (
    StatusNone        WarningStatus = "NONE"
    StatusWarned      WarningStatus = "WARNED"
    StatusGracePeriod WarningStatus = "GRACE_PERIOD"
    StatusEscalated   WarningStatus = "ESCALATED"
    StatusResolved    WarningStatus = "RESOLVED"
)

// PositionUpdate is one GPS report from a mobile client. It is consumed once
// by the detection engine and never persisted directly.
type PositionUpdate struct {
    VehicleAssignmentID string    `json:"vehicleAssignmentId"`
    Latitude            float64   `json:"latitude"`
    Longitude           float64   `json:"longitude"`
    Bearing             float64   `json:"bearing,omitempty"`
    Speed               float64   `json:"speed,omitempty"`
    LicensePlateNumber  string    `json:"licensePlateNumber,omitempty"`
    Timestamp           time.Time `json:"timestamp"`
}

// OffRouteEvent tracks one episode of a vehicle deviating from its assigned
// route. At most one non-RESOLVED event exists per assignment at a time.
type OffRouteEvent struct {
    ID                  string        `json:"id"`
    VehicleAssignmentID string        `json:"vehicleAssignmentId"`
    OrderID             string        `json:"orderId,omitempty"`
    WarningStatus       WarningStatus `json:"warningStatus"`

    DeviationDistanceMeters float64  `json:"deviationDistanceMeters"`
    PreviousDeviationMeters *float64 `json:"previousDeviationMeters,omitempty"`
    LastKnownLat            float64  `json:"lastKnownLat"`
    LastKnownLng            float64  `json:"lastKnownLng"`

    FirstDetectedAt      time.Time  `json:"firstDetectedAt"`
    LastCheckedAt        time.Time  `json:"lastCheckedAt"`
    GracePeriodExpiresAt *time.Time `json:"gracePeriodExpiresAt,omitempty"`
    GraceExtensionCount  int        `json:"graceExtensionCount"`
    ResolvedAt           *time.Time `json:"resolvedAt,omitempty"`
    ResolvedReason       string     `json:"resolvedReason,omitempty"`

    RelatedIssueID string `json:"relatedIssueId,omitempty"`

    // Version is the optimistic concurrency token checked on save.
    Version int `json:"version"`
}

// Active reports whether the event still tracks an open deviation.
func (e *OffRouteEvent) Active() bool {
    return e.WarningStatus != StatusResolved
}

// OffRouteNotification is the payload dispatched to the notification sink on
// every state transition.
type OffRouteNotification struct {
    VehicleAssignmentID     string        `json:"vehicleAssignmentId"`
    OrderID                 string        `json:"orderId,omitempty"`
    EventID                 string        `json:"eventId"`
    WarningStatus           WarningStatus `json:"warningStatus"`
    DeviationDistanceMeters float64       `json:"deviationDistanceMeters"`
    Timestamp               time.Time     `json:"timestamp"`
}

// IssueRequest asks the external issue subsystem to open a ticket for an
// escalated event.
type IssueRequest struct {
    EventID             string  `json:"eventId"`
    VehicleAssignmentID string  `json:"vehicleAssignmentId"`
    OrderID             string  `json:"orderId,omitempty"`
    Description         string  `json:"description"`
    Latitude            float64 `json:"latitude"`
    Longitude           float64 `json:"longitude"`
}
