package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/service-dispatch/internal/models"
)

// PostgresStore persists requests with plain database/sql. Conditional
// transitions run in a transaction around SELECT ... FOR UPDATE so the
// status check and the write are one atomic claim; row locks keep
// contention scoped to the single request being mutated.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const requestColumns = `id, customer_id, title, priority, lat, lon, address, status, worker_id, last_worker_id, created_at, accepted_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.CustomerID, r.Title, r.Priority, r.Location.Lat, r.Location.Lon, r.Address,
		r.Status, nullStr(r.AssignedWorkerID), nullStr(r.LastWorkerID), r.CreatedAt,
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt)
	if err != nil {
		return err
	}
	return p.appendActivity(ctx, p.db, r.ID, r.CustomerID, "request created", r.CreatedAt)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	r.Activities, err = p.activities(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Claim(ctx context.Context, id, workerID string, at time.Time) (*models.ServiceRequest, error) {
	r, err := p.locked(ctx, id, func(tx *sql.Tx, cur models.Status) error {
		switch {
		case cur == models.StatusPending:
		case cur.Terminal():
			return fmt.Errorf("request %s is %s: %w", id, cur, models.ErrInvalidTransition)
		default:
			return fmt.Errorf("request %s: %w", id, models.ErrAlreadyAssigned)
		}
		_, err := tx.ExecContext(ctx, `UPDATE service_requests
			SET status=$2, worker_id=$3, last_worker_id=$3, accepted_at=$4 WHERE id=$1`,
			id, models.StatusAccepted, workerID, at)
		if err != nil {
			return err
		}
		return p.appendActivity(ctx, tx, id, workerID, fmt.Sprintf("accepted by worker %s", workerID), at)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Unclaim(ctx context.Context, id, workerID string, at time.Time) error {
	_, err := p.locked(ctx, id, func(tx *sql.Tx, cur models.Status) error {
		if cur != models.StatusAccepted {
			return fmt.Errorf("request %s is %s: %w", id, cur, models.ErrInvalidTransition)
		}
		res, err := tx.ExecContext(ctx, `UPDATE service_requests
			SET status=$2, worker_id=NULL, last_worker_id=NULL, accepted_at=NULL
			WHERE id=$1 AND worker_id=$3`, id, models.StatusPending, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s not assigned to %s: %w", id, workerID, models.ErrInvalidTransition)
		}
		return p.appendActivity(ctx, tx, id, workerID, "acceptance reverted", at)
	})
	return err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.Status, actorID string, at time.Time) (*models.ServiceRequest, error) {
	return p.locked(ctx, id, func(tx *sql.Tx, cur models.Status) error {
		if cur != from {
			return fmt.Errorf("request %s is %s, not %s: %w", id, cur, from, models.ErrInvalidTransition)
		}
		if err := p.applyStatus(ctx, tx, id, to, at); err != nil {
			return err
		}
		return p.appendActivity(ctx, tx, id, actorID, fmt.Sprintf("status %s -> %s", from, to), at)
	})
}

func (p *PostgresStore) Cancel(ctx context.Context, id, actorID string, at time.Time) (*models.ServiceRequest, models.Status, error) {
	var prior models.Status
	r, err := p.locked(ctx, id, func(tx *sql.Tx, cur models.Status) error {
		if cur.Terminal() {
			return fmt.Errorf("request %s is %s: %w", id, cur, models.ErrInvalidTransition)
		}
		prior = cur
		if err := p.applyStatus(ctx, tx, id, models.StatusCancelled, at); err != nil {
			return err
		}
		return p.appendActivity(ctx, tx, id, actorID, fmt.Sprintf("cancelled by %s", actorID), at)
	})
	if err != nil {
		return nil, "", err
	}
	return r, prior, nil
}

// locked runs fn with the request's row locked, then re-reads the row.
func (p *PostgresStore) locked(ctx context.Context, id string, fn func(tx *sql.Tx, cur models.Status) error) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM service_requests WHERE id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(tx, cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) applyStatus(ctx context.Context, tx *sql.Tx, id string, to models.Status, at time.Time) error {
	stamp := ""
	switch to {
	case models.StatusInProgress:
		stamp = "started_at"
	case models.StatusCompleted:
		stamp = "completed_at"
	case models.StatusCancelled:
		stamp = "cancelled_at"
	}
	q := `UPDATE service_requests SET status=$2 WHERE id=$1`
	if stamp != "" {
		q = `UPDATE service_requests SET status=$2, ` + stamp + `=$3 WHERE id=$1`
	}
	var err error
	if stamp != "" {
		_, err = tx.ExecContext(ctx, q, id, to, at)
	} else {
		_, err = tx.ExecContext(ctx, q, id, to)
	}
	if err != nil {
		return err
	}
	if to.Terminal() {
		_, err = tx.ExecContext(ctx, `UPDATE service_requests SET worker_id=NULL WHERE id=$1`, id)
	}
	return err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, st models.Status) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE status=$1 ORDER BY created_at`, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (p *PostgresStore) List(ctx context.Context) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (p *PostgresStore) Decline(ctx context.Context, workerID, requestID, reason string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO worker_declines(worker_id, request_id, reason, created_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (worker_id, request_id) DO UPDATE SET reason=EXCLUDED.reason`,
		workerID, requestID, reason, at)
	return err
}

func (p *PostgresStore) Declined(ctx context.Context, workerID, requestID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM worker_declines WHERE worker_id=$1 AND request_id=$2`,
		workerID, requestID).Scan(&n)
	return n > 0, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) appendActivity(ctx context.Context, db execer, requestID, actorID, message string, at time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO request_activities(request_id, actor_id, message, created_at)
		VALUES($1,$2,$3,$4)`, requestID, actorID, message, at)
	return err
}

func (p *PostgresStore) activities(ctx context.Context, requestID string) ([]models.Activity, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT actor_id, message, created_at
		FROM request_activities WHERE request_id=$1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var actor sql.NullString
		if err := rows.Scan(&actor, &a.Message, &a.At); err != nil {
			return nil, err
		}
		a.ActorID = actor.String
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var worker, lastWorker sql.NullString
	var accepted, started, completed, cancelled sql.NullTime
	err := row.Scan(&r.ID, &r.CustomerID, &r.Title, &r.Priority, &r.Location.Lat, &r.Location.Lon,
		&r.Address, &r.Status, &worker, &lastWorker, &r.CreatedAt,
		&accepted, &started, &completed, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.AssignedWorkerID = worker.String
	r.LastWorkerID = lastWorker.String
	r.AcceptedAt = nullTime(accepted)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(completed)
	r.CancelledAt = nullTime(cancelled)
	return &r, nil
}

func collectRequests(rows *sql.Rows) ([]*models.ServiceRequest, error) {
	out := make([]*models.ServiceRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
