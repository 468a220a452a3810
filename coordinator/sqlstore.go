package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// sqlStore implements Store on SQL Server. Concurrent acquires are
// serialized by the store: the reclaim candidate is taken with
// UPDLOCK/READPAST and the cursor advance is a single atomic
// read-modify-write statement. The acquire transaction runs at READ
// COMMITTED; SQL Server rejects READPAST under SERIALIZABLE (error
// 650), and the hint pair already gives each reclaim candidate to
// exactly one caller.
type sqlStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open SQL Server handle as a Store.
func NewSQLStore(db *sql.DB) (Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) AcquireLease(ctx context.Context, ownerID string, size int64, staleBefore time.Time) (Lease, bool, error) {
	if size <= 0 {
		return Lease{}, false, errors.New("size must be positive")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Lease{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	lease, found, err := reclaimStaleLease(ctx, tx, ownerID, staleBefore)
	if err != nil {
		return Lease{}, false, err
	}
	if found {
		if err := tx.Commit(); err != nil {
			return Lease{}, false, err
		}
		return lease, true, nil
	}

	lease, err = cutFreshLease(ctx, tx, ownerID, size)
	if err != nil {
		return Lease{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, false, err
	}
	return lease, false, nil
}

// reclaimStaleLease reassigns the stale lease with the oldest heartbeat
// to ownerID, keeping its range fixed. READPAST skips candidates locked
// by a concurrent acquire so two callers never reclaim the same row.
func reclaimStaleLease(ctx context.Context, tx *sql.Tx, ownerID string, staleBefore time.Time) (Lease, bool, error) {
	row := tx.QueryRowContext(
		ctx,
		`WITH stale AS (
       SELECT TOP (1) lease_id
       FROM dbo.scan_leases WITH (UPDLOCK, READPAST)
       WHERE last_heartbeat < @p1
       ORDER BY last_heartbeat ASC
     )
     UPDATE l
     SET owner_id = @p2,
         last_heartbeat = SYSUTCDATETIME()
     OUTPUT inserted.lease_id, inserted.start_id, inserted.end_id, inserted.owner_id, inserted.last_heartbeat, inserted.created_at
     FROM dbo.scan_leases AS l
     INNER JOIN stale ON stale.lease_id = l.lease_id`,
		staleBefore.UTC(),
		ownerID,
	)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return lease, true, nil
}

// cutFreshLease advances the global cursor by size and inserts a lease
// for the vacated range. The single-statement cursor update returns the
// pre-advance value, so no two cuts can read the same start.
func cutFreshLease(ctx context.Context, tx *sql.Tx, ownerID string, size int64) (Lease, error) {
	row := tx.QueryRowContext(
		ctx,
		`UPDATE dbo.scan_cursor
     SET next_start_id = next_start_id + @p1
     OUTPUT deleted.next_start_id
     WHERE id = 1`,
		size,
	)
	var startID int64
	if err := row.Scan(&startID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, errors.New("global cursor row missing; run scanctl init-db")
		}
		return Lease{}, err
	}
	endID := startID + size

	row = tx.QueryRowContext(
		ctx,
		`INSERT INTO dbo.scan_leases (start_id, end_id, owner_id, status, last_heartbeat, created_at)
     OUTPUT inserted.lease_id, inserted.start_id, inserted.end_id, inserted.owner_id, inserted.last_heartbeat, inserted.created_at
     VALUES (@p1, @p2, @p3, 'running', SYSUTCDATETIME(), SYSUTCDATETIME())`,
		startID,
		endID,
		ownerID,
	)
	return scanLease(row)
}

func (s *sqlStore) RenewLease(ctx context.Context, leaseID int64, ownerID string) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.scan_leases
     SET last_heartbeat = SYSUTCDATETIME()
     WHERE lease_id = @p1 AND owner_id = @p2`,
		leaseID,
		ownerID,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqlStore) SubmitAndRelease(ctx context.Context, leaseID int64, validIDs []int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range validIDs {
		if err := insertResult(ctx, tx, id); err != nil {
			return false, err
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM dbo.scan_leases WHERE lease_id = @p1`, leaseID)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// insertResult is an idempotent insert: a duplicate id is a no-op, not
// an error. The unique-violation check covers the race where two
// transactions pass the NOT EXISTS guard for the same id.
func insertResult(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO dbo.scan_results (id, found_at)
     SELECT @p1, SYSUTCDATETIME()
     WHERE NOT EXISTS (SELECT 1 FROM dbo.scan_results WHERE id = @p1)`,
		id,
	)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (s *sqlStore) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	row := s.db.QueryRowContext(ctx, `SELECT next_start_id FROM dbo.scan_cursor WHERE id = 1`)
	if err := row.Scan(&counts.NextStartID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Counts{}, errors.New("global cursor row missing; run scanctl init-db")
		}
		return Counts{}, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dbo.scan_leases`)
	if err := row.Scan(&counts.Leases); err != nil {
		return Counts{}, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dbo.scan_leases WHERE status = 'running'`)
	if err := row.Scan(&counts.RunningLeases); err != nil {
		return Counts{}, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dbo.scan_results`)
	if err := row.Scan(&counts.Results); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

func (s *sqlStore) SetCursor(ctx context.Context, nextStartID int64) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.scan_cursor SET next_start_id = @p1 WHERE id = 1`,
		nextStartID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("global cursor row missing; run scanctl init-db")
	}
	return nil
}

func (s *sqlStore) ResetLeases(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dbo.scan_leases`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqlStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dbo.scan_results`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dbo.scan_leases`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE dbo.scan_cursor SET next_start_id = 0 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func scanLease(row *sql.Row) (Lease, error) {
	var lease Lease
	err := row.Scan(&lease.LeaseID, &lease.StartID, &lease.EndID, &lease.OwnerID, &lease.LastHeartbeat, &lease.CreatedAt)
	if err != nil {
		return Lease{}, err
	}
	lease.LastHeartbeat = normalizeDBTime(lease.LastHeartbeat)
	lease.CreatedAt = normalizeDBTime(lease.CreatedAt)
	return lease, nil
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}
