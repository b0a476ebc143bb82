package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// Execer is the subset of pgxpool.Pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const notificationsDDL = `
CREATE TABLE IF NOT EXISTS dispatch_notifications (
    dedup_key   TEXT PRIMARY KEY,
    id          TEXT NOT NULL,
    kind        TEXT NOT NULL,
    vehicle_id  TEXT NOT NULL,
    stop_id     TEXT,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    version     BIGINT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    payload     JSONB NOT NULL
)`

const insertNotification = `
INSERT INTO dispatch_notifications (dedup_key, id, kind, vehicle_id, stop_id, from_status, to_status, version, ts, payload)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
ON CONFLICT (dedup_key) DO NOTHING`

// Postgres archives notifications. A record replayed after a retry lands on
// the same dedup key and is ignored.
type Postgres struct {
	db Execer
}

// OpenPostgres connects a pool and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	p := NewPostgres(pool)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return p, pool, nil
}

func NewPostgres(db Execer) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, notificationsDDL); err != nil {
		return fmt.Errorf("migrate dispatch_notifications: %w", err)
	}
	return nil
}

func (p *Postgres) Emit(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = p.db.Exec(ctx, insertNotification,
		dedupKey(n), n.ID, string(n.Kind), n.VehicleID, n.StopID, n.FromStatus, n.ToStatus, n.Version, n.Timestamp, payload)
	metrics.NotificationLatency.WithLabelValues("postgres").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.NotificationDeliveries.WithLabelValues("postgres", "error").Inc()
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	metrics.NotificationDeliveries.WithLabelValues("postgres", "ok").Inc()
	return nil
}

// dedupKey identifies the transition rather than the record, since two
// emissions of the same transition carry different ids.
func dedupKey(n model.Notification) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", n.Kind, n.VehicleID, n.StopID, n.ToStatus, n.Version)))
	return hex.EncodeToString(h[:8])
}
