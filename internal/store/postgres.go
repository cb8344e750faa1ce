package store

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "routewatch/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(10)
    db.SetMaxIdleConns(10)
    db.SetConnMaxLifetime(30 * time.Minute)
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// DB exposes the underlying pool so adapters sharing the database (route
// geometry) can reuse the connection.
func (p *Postgres) DB() *sql.DB { return p.db }

// EnsureSchema creates the off-route tables if missing (dev helper).
func (p *Postgres) EnsureSchema(ctx context.Context) error {
    stmts := []string{
        `CREATE TABLE IF NOT EXISTS off_route_events (
            id UUID PRIMARY KEY,
            vehicle_assignment_id TEXT NOT NULL,
            order_id TEXT,
            warning_status TEXT NOT NULL,
            deviation_m DOUBLE PRECISION NOT NULL,
            previous_deviation_m DOUBLE PRECISION,
            last_known_lat DOUBLE PRECISION NOT NULL,
            last_known_lng DOUBLE PRECISION NOT NULL,
            first_detected_at TIMESTAMPTZ NOT NULL,
            last_checked_at TIMESTAMPTZ NOT NULL,
            grace_expires_at TIMESTAMPTZ,
            grace_extension_count INT NOT NULL DEFAULT 0,
            resolved_at TIMESTAMPTZ,
            resolved_reason TEXT,
            related_issue_id TEXT,
            version INT NOT NULL
        )`,
        // One active episode per assignment at any time.
        `CREATE UNIQUE INDEX IF NOT EXISTS off_route_events_active_uniq
            ON off_route_events (vehicle_assignment_id)
            WHERE warning_status <> 'RESOLVED'`,
        `CREATE INDEX IF NOT EXISTS off_route_events_status_idx
            ON off_route_events (warning_status)`,
    }
    for _, s := range stmts {
        if _, err := p.db.ExecContext(ctx, s); err != nil {
            return fmt.Errorf("ensure schema: %w", err)
        }
    }
    return nil
}

const eventColumns = `id::text, vehicle_assignment_id, order_id, warning_status, deviation_m,
    previous_deviation_m, last_known_lat, last_known_lng, first_detected_at, last_checked_at,
    grace_expires_at, grace_extension_count, resolved_at, resolved_reason, related_issue_id, version`

func (p *Postgres) SaveEvent(ctx context.Context, ev *model.OffRouteEvent) error {
    if ev.Version == 0 {
        if ev.ID == "" {
            ev.ID = uuid.New().String()
        }
        _, err := p.db.ExecContext(ctx, `INSERT INTO off_route_events
            (id, vehicle_assignment_id, order_id, warning_status, deviation_m, previous_deviation_m,
             last_known_lat, last_known_lng, first_detected_at, last_checked_at, grace_expires_at,
             grace_extension_count, resolved_at, resolved_reason, related_issue_id, version)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
            ev.ID, ev.VehicleAssignmentID, nullIfEmpty(ev.OrderID), string(ev.WarningStatus),
            ev.DeviationDistanceMeters, ev.PreviousDeviationMeters, ev.LastKnownLat, ev.LastKnownLng,
            ev.FirstDetectedAt, ev.LastCheckedAt, ev.GracePeriodExpiresAt, ev.GraceExtensionCount,
            ev.ResolvedAt, nullIfEmpty(ev.ResolvedReason), nullIfEmpty(ev.RelatedIssueID))
        if err != nil {
            if isUniqueViolation(err) {
                return ErrConflict
            }
            return err
        }
        ev.Version = 1
        return nil
    }
    res, err := p.db.ExecContext(ctx, `UPDATE off_route_events SET
            warning_status=$1, deviation_m=$2, previous_deviation_m=$3, last_known_lat=$4,
            last_known_lng=$5, last_checked_at=$6, grace_expires_at=$7, grace_extension_count=$8,
            resolved_at=$9, resolved_reason=$10, related_issue_id=$11, version=version+1
        WHERE id=$12 AND version=$13`,
        string(ev.WarningStatus), ev.DeviationDistanceMeters, ev.PreviousDeviationMeters,
        ev.LastKnownLat, ev.LastKnownLng, ev.LastCheckedAt, ev.GracePeriodExpiresAt,
        ev.GraceExtensionCount, ev.ResolvedAt, nullIfEmpty(ev.ResolvedReason),
        nullIfEmpty(ev.RelatedIssueID), ev.ID, ev.Version)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        // Either gone or a newer version won; distinguish for the caller.
        var exists bool
        if err := p.db.QueryRowContext(ctx, `SELECT true FROM off_route_events WHERE id=$1`, ev.ID).Scan(&exists); err != nil {
            if errors.Is(err, sql.ErrNoRows) {
                return ErrNotFound
            }
            return err
        }
        return ErrConflict
    }
    ev.Version++
    return nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (model.OffRouteEvent, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM off_route_events WHERE id=$1`, id)
    return scanEvent(row)
}

func (p *Postgres) FindActiveByAssignment(ctx context.Context, assignmentID string) (model.OffRouteEvent, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM off_route_events
        WHERE vehicle_assignment_id=$1 AND warning_status <> 'RESOLVED'`, assignmentID)
    return scanEvent(row)
}

func (p *Postgres) FindAllInGracePeriod(ctx context.Context) ([]model.OffRouteEvent, error) {
    return p.queryEvents(ctx, `SELECT `+eventColumns+` FROM off_route_events
        WHERE warning_status='GRACE_PERIOD' ORDER BY grace_expires_at`)
}

func (p *Postgres) FindAllActive(ctx context.Context) ([]model.OffRouteEvent, error) {
    return p.queryEvents(ctx, `SELECT `+eventColumns+` FROM off_route_events
        WHERE warning_status <> 'RESOLVED' ORDER BY first_detected_at`)
}

func (p *Postgres) FindByIssueID(ctx context.Context, issueID string) (model.OffRouteEvent, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM off_route_events
        WHERE related_issue_id=$1`, issueID)
    return scanEvent(row)
}

func (p *Postgres) ListEvents(ctx context.Context, limit int) ([]model.OffRouteEvent, error) {
    if limit <= 0 || limit > 500 {
        limit = 100
    }
    return p.queryEvents(ctx, `SELECT `+eventColumns+` FROM off_route_events
        ORDER BY first_detected_at DESC LIMIT $1`, limit)
}

func (p *Postgres) queryEvents(ctx context.Context, q string, args ...any) ([]model.OffRouteEvent, error) {
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.OffRouteEvent{}
    for rows.Next() {
        ev, err := scanEvent(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, ev)
    }
    return out, rows.Err()
}

type rowScanner interface {
    Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.OffRouteEvent, error) {
    var ev model.OffRouteEvent
    var orderID, resolvedReason, issueID sql.NullString
    var prevDev sql.NullFloat64
    var graceExp, resolvedAt sql.NullTime
    err := row.Scan(&ev.ID, &ev.VehicleAssignmentID, &orderID, &ev.WarningStatus,
        &ev.DeviationDistanceMeters, &prevDev, &ev.LastKnownLat, &ev.LastKnownLng,
        &ev.FirstDetectedAt, &ev.LastCheckedAt, &graceExp, &ev.GraceExtensionCount,
        &resolvedAt, &resolvedReason, &issueID, &ev.Version)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return model.OffRouteEvent{}, ErrNotFound
        }
        return model.OffRouteEvent{}, err
    }
    ev.OrderID = orderID.String
    ev.ResolvedReason = resolvedReason.String
    ev.RelatedIssueID = issueID.String
    if prevDev.Valid {
        v := prevDev.Float64
        ev.PreviousDeviationMeters = &v
    }
    if graceExp.Valid {
        t := graceExp.Time
        ev.GracePeriodExpiresAt = &t
    }
    if resolvedAt.Valid {
        t := resolvedAt.Time
        ev.ResolvedAt = &t
    }
    return ev, nil
}

func nullIfEmpty(s string) any {
    if s == "" {
        return nil
    }
    return s
}

func isUniqueViolation(err error) bool {
    // pgx wraps server errors; SQLSTATE 23505 is unique_violation.
    type sqlState interface{ SQLState() string }
    var se sqlState
    if errors.As(err, &se) {
        return se.SQLState() == "23505"
    }
    return false
}
