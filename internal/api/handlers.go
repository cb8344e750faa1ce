package api

import (
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "routewatch/internal/buildinfo"
    "routewatch/internal/notify"
    "routewatch/internal/store"
)

// EventsHandler handles GET /v1/offroute/events. Events come back newest
// first; ?active=true narrows to open episodes and ?vehicleAssignmentId= to
// one vehicle's current episode.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
        return
    }
    q := r.URL.Query()
    if id := q.Get("issueId"); id != "" {
        ev, err := s.Store.FindByIssueID(r.Context(), id)
        if errors.Is(err, store.ErrNotFound) {
            writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("no off-route event for issue %s", id), r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, ev)
        return
    }
    if id := q.Get("vehicleAssignmentId"); id != "" {
        ev, err := s.Store.FindActiveByAssignment(r.Context(), id)
        if errors.Is(err, store.ErrNotFound) {
            writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
            return
        }
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": []any{ev}})
        return
    }
    if q.Get("active") == "true" {
        items, err := s.Store.FindAllActive(r.Context())
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
        return
    }
    limit := 100
    if v := q.Get("limit"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 {
            limit = n
        }
    }
    items, err := s.Store.ListEvents(r.Context(), limit)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// EventByIDHandler handles /v1/offroute/events/{id} plus the staff actions
// /resolve and /extend-grace.
func (s *Server) EventByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/offroute/events/")
    parts := strings.Split(rest, "/")
    if len(parts) == 0 || parts[0] == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    id := parts[0]

    if len(parts) == 1 {
        if r.Method != http.MethodGet {
            writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
            return
        }
        ev, err := s.Store.GetEvent(r.Context(), id)
        if errors.Is(err, store.ErrNotFound) {
            writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("no off-route event %s", id), r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, ev)
        return
    }

    if r.Method != http.MethodPost {
        writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
        return
    }
    switch parts[1] {
    case "resolve":
        var body struct {
            Reason string `json:"reason"`
        }
        _ = json.NewDecoder(r.Body).Decode(&body)
        ev, err := s.Engine.ResolveManually(r.Context(), id, body.Reason)
        if errors.Is(err, store.ErrNotFound) {
            writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("no off-route event %s", id), r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, ev)
    case "extend-grace":
        ev, err := s.Engine.ExtendGracePeriod(r.Context(), id)
        if errors.Is(err, store.ErrNotFound) {
            writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("no off-route event %s", id), r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, ev)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// StreamHandler handles GET /v1/offroute/stream: server-sent notifications
// for one assignment, or everything when vehicleAssignmentId is omitted.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
    flusher, ok := w.(http.Flusher)
    if !ok {
        writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported", r.URL.Path)
        return
    }
    key := r.URL.Query().Get("vehicleAssignmentId")
    if key == "" {
        key = notify.AllKey
    }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(key)
    defer s.Broker.Unsubscribe(key, ch)
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
    flusher.Flush()
    done := r.Context().Done()
    for {
        select {
        case <-done:
            return
        case n := <-ch:
            b, _ := json.Marshal(n)
            fmt.Fprintf(w, "event: offroute.%s\n", strings.ToLower(string(n.WarningStatus)))
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if _, err := s.Store.ListEvents(r.Context(), 1); err != nil {
        writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "build": buildinfo.Info()})
}
