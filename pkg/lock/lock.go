// Package lock coordinates workers through PostgreSQL advisory locks.
// One manager guards one file at a time: acquiring pins a dedicated
// pool connection so the session-scoped lock stays alive exactly as
// long as the connection does. Losing the connection releases the lock
// on the server side automatically.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// lockNotAvailable is the SQLSTATE raised when lock_timeout fires.
const lockNotAvailable = "55P03"

// Manager holds at most one advisory lock keyed by file_record_id.
type Manager struct {
	pool   *pgxpool.Pool
	conn   *pgxpool.Conn
	lockID int64
}

// New builds a manager over the shared pool.
func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// Acquire requests the advisory lock for a file record. With timeout
// zero the call never blocks: false means another worker holds the
// lock. With a positive timeout the call waits up to that long; the
// timeout expiring is also a skip signal, not an error. Only a real
// database failure returns an error.
func (m *Manager) Acquire(ctx context.Context, fileRecordID int64, timeout time.Duration) (bool, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, errcode.Wrap(err, errcode.DBPoolExhausted,
			"details", err.Error())
	}

	if timeout <= 0 {
		var acquired bool
		err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, fileRecordID).Scan(&acquired)
		if err != nil {
			conn.Release()
			return false, errcode.Wrap(err, errcode.DBConnectionFailed,
				"details", err.Error())
		}
		if !acquired {
			conn.Release()
			logger.Debug("advisory lock held elsewhere",
				logger.KeyFileRecordID, fileRecordID)
			return false, nil
		}
		m.conn = conn
		m.lockID = fileRecordID
		logger.Info("advisory lock acquired",
			logger.KeyFileRecordID, fileRecordID)
		return true, nil
	}

	if _, err = conn.Exec(ctx,
		fmt.Sprintf(`SET lock_timeout = '%dms'`, timeout.Milliseconds()),
	); err != nil {
		conn.Release()
		return false, errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}

	if _, err = conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, fileRecordID); err != nil {
		conn.Release()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			logger.Debug("advisory lock wait timed out",
				logger.KeyFileRecordID, fileRecordID,
				"timeout", timeout.String())
			return false, nil
		}
		return false, errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}

	m.conn = conn
	m.lockID = fileRecordID
	logger.Info("advisory lock acquired",
		logger.KeyFileRecordID, fileRecordID)
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
// Idempotent: releasing with no lock held only logs a warning. The
// unlock must run on the connection that acquired the lock.
func (m *Manager) Release(ctx context.Context) error {
	if m.conn == nil || m.lockID == 0 {
		logger.Warn("release called with no lock held")
		return nil
	}

	defer func() {
		m.conn.Release()
		m.conn = nil
		m.lockID = 0
	}()

	var unlocked bool
	err := m.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, m.lockID).Scan(&unlocked)
	if err != nil {
		logger.Error("advisory unlock failed",
			logger.KeyFileRecordID, m.lockID,
			"error", err.Error())
		return errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}
	if !unlocked {
		logger.Warn("advisory lock was not held at unlock",
			logger.KeyFileRecordID, m.lockID)
		return nil
	}
	logger.Info("advisory lock released",
		logger.KeyFileRecordID, m.lockID)
	return nil
}

// Held reports whether this manager currently pins a lock.
func (m *Manager) Held() bool { return m.conn != nil }
