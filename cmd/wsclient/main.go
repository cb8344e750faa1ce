// Package main runs a demo tracker: it streams a short off-route drive into
// the position websocket and tails the notification stream.
package main

import (
    "encoding/json"
    "fmt"
    "log"
    "net/url"
    "os"
    "time"

    "github.com/gorilla/websocket"

    "routewatch/internal/model"
)

func main() {
    port := os.Getenv("PORT")
    if port == "" {
        port = "8080"
    }
    assignment := os.Getenv("ASSIGNMENT_ID")
    if assignment == "" {
        assignment = "va-demo"
    }

    u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/track/ws"}
    c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
    if err != nil {
        log.Fatal("dial:", err)
    }
    defer func() { _ = c.Close() }()

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            _, msg, err := c.ReadMessage()
            if err != nil {
                log.Printf("read: %v", err)
                return
            }
            log.Printf("WS <- %s", string(msg))
        }
    }()

    // Drift east off a north-south route, then come back.
    path := []model.GeoPoint{
        {Lat: 10.000, Lng: 106.000},
        {Lat: 10.002, Lng: 106.001},
        {Lat: 10.004, Lng: 106.005},
        {Lat: 10.004, Lng: 106.010},
        {Lat: 10.004, Lng: 106.005},
        {Lat: 10.006, Lng: 106.000},
    }
    for i, p := range path {
        pos := model.PositionUpdate{
            VehicleAssignmentID: assignment,
            Latitude:            p.Lat,
            Longitude:           p.Lng,
            Timestamp:           time.Now().UTC(),
        }
        b, _ := json.Marshal(pos)
        if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
            log.Fatal(err)
        }
        fmt.Printf("sent fix %d: %.3f,%.3f\n", i+1, p.Lat, p.Lng)
        time.Sleep(1100 * time.Millisecond)
    }

    select {
    case <-time.After(2 * time.Second):
    case <-done:
    }
}
