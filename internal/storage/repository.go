package storage

import (
	"context"
	_ "embed"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertRunSQL = `INSERT INTO advice_runs (
        id,
        request_hash,
        user_address,
        state,
        model_version,
        cid,
        tx_hash,
        attempts,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING created_at, updated_at;`

	updateRunSQL = `UPDATE advice_runs
    SET state         = $2,
        model_version = $3,
        cid           = $4,
        tx_hash       = $5,
        attempts      = $6,
        error         = $7,
        updated_at    = now()
    WHERE id = $1;`

	selectRunColumns = `SELECT
        id,
        request_hash,
        user_address,
        state,
        model_version,
        cid,
        tx_hash,
        attempts,
        error,
        created_at,
        updated_at
    FROM advice_runs`

	listRecentRunsSQL = selectRunColumns + `
    ORDER BY created_at DESC
    LIMIT $1;`

	listRunsByUserSQL = selectRunColumns + `
    WHERE user_address = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteRunsBeforeSQL = `DELETE FROM advice_runs WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunJournal persists pipeline runs.
type RunJournal interface {
	InsertRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)
	ListRunsByUser(ctx context.Context, user string, limit int) ([]Run, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store provides access to the run journal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema 创建 advice_runs 表（幂等）。
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// LockKey derives an advisory lock key from a 0x-prefixed request hash.
// Hashes that are not hex fall back to key 0, which callers treat as "no lock".
func LockKey(requestHash string) int64 {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(requestHash)), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// 释放失败时销毁连接，会话级锁随连接一起消失。
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRun stores a new run, assigning an ID when absent.
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	row := pool.QueryRow(ctx, insertRunSQL,
		run.ID,
		run.RequestHash,
		run.UserAddress,
		run.State,
		run.ModelVersion,
		run.CID,
		run.TxHash,
		run.Attempts,
		run.Error,
	)
	if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable columns of a run.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateRunSQL,
		run.ID,
		run.State,
		run.ModelVersion,
		run.CID,
		run.TxHash,
		run.Attempts,
		run.Error,
	)
	if execErr != nil {
		return fmt.Errorf("update run: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentRuns lists runs ordered by descending creation time.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	return collectRuns(rows, limit)
}

// ListRunsByUser lists the latest runs submitted for one address.
func (s *Store) ListRunsByUser(ctx context.Context, user string, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRunsByUserSQL, user, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs by user: %w", queryErr)
	}
	return collectRuns(rows, limit)
}

// DeleteRunsBefore prunes runs older than the cutoff.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete runs before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectRuns(rows pgx.Rows, limit int) ([]Run, error) {
	defer rows.Close()

	runs := make([]Run, 0, max(limit, 0))
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID,
			&run.RequestHash,
			&run.UserAddress,
			&run.State,
			&run.ModelVersion,
			&run.CID,
			&run.TxHash,
			&run.Attempts,
			&run.Error,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

var (
	_ RunJournal     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
