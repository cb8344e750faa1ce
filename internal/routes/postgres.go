package routes

import (
    "context"
    "database/sql"
    "fmt"

    "routewatch/internal/model"
)

// PostgresProvider reads journey geometry from the shared database. The
// journey_points table is owned by the trip-planning subsystem; this adapter
// only ever reads it.
type PostgresProvider struct {
    db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
    return &PostgresProvider{db: db}
}

// EnsureSchema creates the geometry table when absent (dev helper, mirrors
// what the trip planner provisions in production).
func (p *PostgresProvider) EnsureSchema(ctx context.Context) error {
    _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS journey_points (
        vehicle_assignment_id TEXT NOT NULL,
        seq INT NOT NULL,
        lat DOUBLE PRECISION NOT NULL,
        lng DOUBLE PRECISION NOT NULL,
        PRIMARY KEY (vehicle_assignment_id, seq)
    )`)
    if err != nil {
        return fmt.Errorf("ensure journey schema: %w", err)
    }
    _, err = p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS vehicle_assignments (
        id TEXT PRIMARY KEY,
        order_id TEXT NOT NULL DEFAULT ''
    )`)
    if err != nil {
        return fmt.Errorf("ensure assignment schema: %w", err)
    }
    return nil
}

func (p *PostgresProvider) OrderForAssignment(ctx context.Context, assignmentID string) (string, error) {
    var orderID string
    err := p.db.QueryRowContext(ctx, `SELECT order_id FROM vehicle_assignments WHERE id=$1`, assignmentID).Scan(&orderID)
    if err == sql.ErrNoRows {
        return "", ErrNoRoute
    }
    if err != nil {
        return "", err
    }
    return orderID, nil
}

func (p *PostgresProvider) RouteForAssignment(ctx context.Context, assignmentID string) ([]model.GeoPoint, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT lat, lng FROM journey_points
        WHERE vehicle_assignment_id=$1 ORDER BY seq`, assignmentID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    pts := []model.GeoPoint{}
    for rows.Next() {
        var pt model.GeoPoint
        if err := rows.Scan(&pt.Lat, &pt.Lng); err != nil {
            return nil, err
        }
        pts = append(pts, pt)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    if len(pts) == 0 {
        return nil, ErrNoRoute
    }
    return pts, nil
}
