// Package postgres implements store.SyncStore on PostgreSQL through the pgx
// database/sql driver, with goose migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, "migrations")
}

type PostgresSyncStore struct {
	db *sql.DB
}

// NewPostgresSyncStore opens the database, checks connectivity and migrates it.
func NewPostgresSyncStore(ctx context.Context, databaseURL string) (*PostgresSyncStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *PostgresSyncStore {
	return &PostgresSyncStore{db: db}
}

func (s *PostgresSyncStore) Close() error {
	return s.db.Close()
}

func (s *PostgresSyncStore) AppendDelta(ctx context.Context, delta models.Delta) (models.Delta, error) {
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		// The row lock on documents serialises writers until commit
		err := tx.QueryRowContext(ctx,
			`INSERT INTO documents (id, last_seq) VALUES ($1, 1)
			 ON CONFLICT (id) DO UPDATE SET last_seq = documents.last_seq + 1
			 RETURNING last_seq`,
			delta.DocumentId).Scan(&delta.Seq)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO deltas (document_id, seq, op, client_id, user_id, payload, created)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			delta.DocumentId, delta.Seq, int(delta.Op), delta.ClientId, delta.UserId, delta.Payload, delta.Created)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Delta{}, err
	}
	return delta, nil
}

func (s *PostgresSyncStore) GetDeltas(ctx context.Context, documentId string, afterSeq int64, limit int) ([]models.Delta, error) {
	query := `SELECT seq, op, client_id, user_id, payload, created FROM deltas
		 WHERE document_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{documentId, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return []models.Delta{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	deltas := []models.Delta{}
	for rows.Next() {
		d := models.Delta{DocumentId: documentId}
		var op int
		if err := rows.Scan(&d.Seq, &op, &d.ClientId, &d.UserId, &d.Payload, &d.Created); err != nil {
			return []models.Delta{}, fmt.Errorf("db error: %w", err)
		}
		d.Op = models.OpKind(op)
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return []models.Delta{}, fmt.Errorf("db error: %w", err)
	}
	return deltas, nil
}

func (s *PostgresSyncStore) GetLatestSeq(ctx context.Context, documentId string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM documents WHERE id = $1`, documentId).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return seq, nil
}

func (s *PostgresSyncStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET snapshot_seq = $2
			 WHERE id = $1 AND last_seq >= $2 AND snapshot_seq < $2`,
			snapshot.DocumentId, snapshot.Seq)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return store.ErrConditionFailed
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots (document_id, seq, payload, state_vector, created)
			 VALUES ($1, $2, $3, $4, $5)`,
			snapshot.DocumentId, snapshot.Seq, snapshot.Payload, snapshot.StateVector, snapshot.Created)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (s *PostgresSyncStore) GetLatestSnapshot(ctx context.Context, documentId string) (models.Snapshot, error) {
	snap := models.Snapshot{DocumentId: documentId}
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, payload, state_vector, created FROM snapshots
		 WHERE document_id = $1 ORDER BY seq DESC LIMIT 1`,
		documentId).Scan(&snap.Seq, &snap.Payload, &snap.StateVector, &snap.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("db error: %w", err)
	}
	return snap, nil
}

func (s *PostgresSyncStore) PruneDeltas(ctx context.Context, documentId string, uptoSeq int64) (int, error) {
	var pruned int64
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var snapshotSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT snapshot_seq FROM documents WHERE id = $1 FOR UPDATE`, documentId).Scan(&snapshotSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		// never prune past the latest committed snapshot
		uptoSeq = min(uptoSeq, snapshotSeq)
		if uptoSeq <= 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM deltas WHERE document_id = $1 AND seq <= $2`, documentId, uptoSeq)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if pruned, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE document_id = $1 AND seq < $2`, documentId, snapshotSeq)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(pruned), nil
}

func (s *PostgresSyncStore) BootstrapUser(ctx context.Context, userKey models.UserKey, device models.Device, wmk models.WrappedMasterKey) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO user_keys (user_id, public_key, created) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO NOTHING`,
			userKey.UserId, userKey.PublicKey, userKey.Created)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return store.ErrConditionFailed
		}

		if err := insertDevice(ctx, tx, device); err != nil {
			return err
		}
		return upsertWrappedMasterKey(ctx, tx, wmk)
	})
}

func insertDevice(ctx context.Context, tx DBTX, d models.Device) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO devices (user_id, device_id, public_key, approved, created, last_seen, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.UserId, d.DeviceId, d.PublicKey, d.Approved, d.Created, d.LastSeen, d.Revoked)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func upsertWrappedMasterKey(ctx context.Context, tx DBTX, w models.WrappedMasterKey) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wrapped_master_keys (user_id, device_id, wrapped, created) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET wrapped = EXCLUDED.wrapped, created = EXCLUDED.created`,
		w.UserId, w.DeviceId, w.Wrapped, w.Created)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresSyncStore) GetUserKey(ctx context.Context, userId string) (models.UserKey, error) {
	k := models.UserKey{UserId: userId}
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, created FROM user_keys WHERE user_id = $1`, userId).Scan(&k.PublicKey, &k.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserKey{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.UserKey{}, fmt.Errorf("db error: %w", err)
	}
	return k, nil
}

func (s *PostgresSyncStore) CreateDevice(ctx context.Context, device models.Device) (models.Device, bool, error) {
	var created bool
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM user_keys WHERE user_id = $1)`, device.UserId).Scan(&exists)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if !exists {
			return store.ErrItemNotFound
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO devices (user_id, device_id, public_key, approved, created, last_seen, revoked)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (user_id, device_id) DO NOTHING`,
			device.UserId, device.DeviceId, device.PublicKey, device.Approved, device.Created, device.LastSeen, device.Revoked)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		created = n == 1
		if !created {
			device, err = scanDevice(tx.QueryRowContext(ctx, selectDevice, device.UserId, device.DeviceId))
			return err
		}
		return nil
	})
	if err != nil {
		return models.Device{}, false, err
	}
	return device, created, nil
}

const deviceColumns = `user_id, device_id, public_key, approved, created, last_seen, revoked`

const selectDevice = `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND device_id = $2`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var d models.Device
	err := row.Scan(&d.UserId, &d.DeviceId, &d.PublicKey, &d.Approved, &d.Created, &d.LastSeen, &d.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Device{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

func (s *PostgresSyncStore) GetDevice(ctx context.Context, userId string, deviceId string) (models.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, selectDevice, userId, deviceId))
}

func (s *PostgresSyncStore) ListDevices(ctx context.Context, userId string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY device_id`, userId)
	if err != nil {
		return []models.Device{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return []models.Device{}, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return []models.Device{}, fmt.Errorf("db error: %w", err)
	}
	return devices, nil
}

func (s *PostgresSyncStore) ApproveDevice(ctx context.Context, approverDeviceId string, device models.Device, wmk models.WrappedMasterKey) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var approved bool
		err := tx.QueryRowContext(ctx,
			`SELECT approved FROM devices WHERE user_id = $1 AND device_id = $2 FOR SHARE`,
			device.UserId, approverDeviceId).Scan(&approved)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !approved) {
			return store.ErrConditionFailed
		}
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO devices (user_id, device_id, public_key, approved, created, last_seen, revoked)
			 VALUES ($1, $2, $3, TRUE, $4, $5, 0)
			 ON CONFLICT (user_id, device_id) DO UPDATE
			 SET approved = TRUE, revoked = 0, last_seen = EXCLUDED.last_seen
			 WHERE devices.public_key = EXCLUDED.public_key`,
			device.UserId, device.DeviceId, device.PublicKey, device.Created, device.LastSeen)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return store.ErrConditionFailed
		}

		return upsertWrappedMasterKey(ctx, tx, wmk)
	})
}

func (s *PostgresSyncStore) RevokeDevice(ctx context.Context, userId string, deviceId string, revokedAt int64) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET approved = FALSE, revoked = $3 WHERE user_id = $1 AND device_id = $2`,
			userId, deviceId, revokedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return store.ErrItemNotFound
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM wrapped_master_keys WHERE user_id = $1 AND device_id = $2`, userId, deviceId)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (s *PostgresSyncStore) TouchDevice(ctx context.Context, userId string, deviceId string, lastSeen int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $3 WHERE user_id = $1 AND device_id = $2`, userId, deviceId, lastSeen)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("db error: %w", err)
	} else if n == 0 {
		return store.ErrItemNotFound
	}
	return nil
}

func (s *PostgresSyncStore) GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error) {
	w := models.WrappedMasterKey{UserId: userId, DeviceId: deviceId}
	err := s.db.QueryRowContext(ctx,
		`SELECT wrapped, created FROM wrapped_master_keys WHERE user_id = $1 AND device_id = $2`,
		userId, deviceId).Scan(&w.Wrapped, &w.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WrappedMasterKey{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.WrappedMasterKey{}, fmt.Errorf("db error: %w", err)
	}
	return w, nil
}

func (s *PostgresSyncStore) ListWrappedMasterKeys(ctx context.Context, userId string) ([]models.WrappedMasterKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, wrapped, created FROM wrapped_master_keys WHERE user_id = $1 ORDER BY device_id`, userId)
	if err != nil {
		return []models.WrappedMasterKey{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	wmks := []models.WrappedMasterKey{}
	for rows.Next() {
		w := models.WrappedMasterKey{UserId: userId}
		if err := rows.Scan(&w.DeviceId, &w.Wrapped, &w.Created); err != nil {
			return []models.WrappedMasterKey{}, fmt.Errorf("db error: %w", err)
		}
		wmks = append(wmks, w)
	}
	if err := rows.Err(); err != nil {
		return []models.WrappedMasterKey{}, fmt.Errorf("db error: %w", err)
	}
	return wmks, nil
}

func (s *PostgresSyncStore) PutDocKey(ctx context.Context, key models.DocKey) (models.DocKey, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO doc_keys (document_id, user_id, wrapped, created) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_id, user_id) DO NOTHING`,
		key.DocumentId, key.UserId, key.Wrapped, key.Created)
	if err != nil {
		return models.DocKey{}, false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.DocKey{}, false, fmt.Errorf("db error: %w", err)
	}
	if n == 1 {
		return key, true, nil
	}

	existing, err := s.GetDocKey(ctx, key.DocumentId, key.UserId)
	return existing, false, err
}

func (s *PostgresSyncStore) GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error) {
	k := models.DocKey{DocumentId: documentId, UserId: userId}
	err := s.db.QueryRowContext(ctx,
		`SELECT wrapped, created FROM doc_keys WHERE document_id = $1 AND user_id = $2`,
		documentId, userId).Scan(&k.Wrapped, &k.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DocKey{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.DocKey{}, fmt.Errorf("db error: %w", err)
	}
	return k, nil
}

func (s *PostgresSyncStore) CountDocKeys(ctx context.Context, documentId string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_keys WHERE document_id = $1`, documentId).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (s *PostgresSyncStore) DeleteDocKey(ctx context.Context, documentId string, userId string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM doc_keys WHERE document_id = $1 AND user_id = $2`, documentId, userId)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("db error: %w", err)
	} else if n == 0 {
		return store.ErrItemNotFound
	}
	return nil
}
