package api

import (
    "net/http"
    "time"

    "github.com/gorilla/websocket"

    "routewatch/internal/metrics"
    "routewatch/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsAck struct {
    Type                string `json:"type"` // ack | error
    VehicleAssignmentID string `json:"vehicleAssignmentId,omitempty"`
    Message             string `json:"message,omitempty"`
    ReceivedAt          string `json:"receivedAt,omitempty"`
}

// TrackWSHandler handles /v1/track/ws: a stream of position updates from one
// mobile client. Each frame is validated, rate limited per assignment and fed
// to the detection engine; the client gets an ack or error frame back.
func (s *Server) TrackWSHandler(w http.ResponseWriter, r *http.Request) {
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    conn.SetReadLimit(1 << 20)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    // Keepalive pings so idle trackers are not dropped by the read deadline.
    stop := make(chan struct{})
    defer close(stop)
    go func() {
        ticker := time.NewTicker(20 * time.Second)
        defer ticker.Stop()
        for {
            select {
            case <-stop:
                return
            case <-ticker.C:
                if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
                    return
                }
            }
        }
    }()

    for {
        var pos model.PositionUpdate
        if err := conn.ReadJSON(&pos); err != nil {
            return
        }
        _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

        if msg := validatePosition(pos); msg != "" {
            metrics.PositionUpdates.WithLabelValues("rejected").Inc()
            _ = conn.WriteJSON(wsAck{Type: "error", VehicleAssignmentID: pos.VehicleAssignmentID, Message: msg})
            continue
        }
        if !s.limiter(pos.VehicleAssignmentID).Allow() {
            metrics.PositionUpdates.WithLabelValues("rate_limited").Inc()
            _ = conn.WriteJSON(wsAck{Type: "error", VehicleAssignmentID: pos.VehicleAssignmentID, Message: "rate limit exceeded, at most one update per second"})
            continue
        }
        if err := s.Engine.OnPositionUpdate(r.Context(), pos); err != nil {
            _ = conn.WriteJSON(wsAck{Type: "error", VehicleAssignmentID: pos.VehicleAssignmentID, Message: err.Error()})
            continue
        }
        _ = conn.WriteJSON(wsAck{Type: "ack", VehicleAssignmentID: pos.VehicleAssignmentID, ReceivedAt: time.Now().UTC().Format(time.RFC3339)})
    }
}

func validatePosition(pos model.PositionUpdate) string {
    if pos.VehicleAssignmentID == "" {
        return "vehicleAssignmentId is required"
    }
    if pos.Latitude < -90 || pos.Latitude > 90 {
        return "latitude must be within [-90, 90]"
    }
    if pos.Longitude < -180 || pos.Longitude > 180 {
        return "longitude must be within [-180, 180]"
    }
    return ""
}
