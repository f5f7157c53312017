package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
)

func newStoreWithMock(t *testing.T) (*PostgresSyncStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestAppendDelta_AllocatesSeqInTransaction(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO documents .* RETURNING last_seq`).
		WithArgs("D").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(6)))
	mock.ExpectExec(`INSERT INTO deltas`).
		WithArgs("D", int64(6), int64(models.OpInsert), "c1", "u1", []byte("ct"), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := s.AppendDelta(context.Background(), models.Delta{
		DocumentId: "D", Op: models.OpInsert, ClientId: "c1", UserId: "u1", Payload: []byte("ct"), Created: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), d.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendDelta_RollsBackOnInsertError(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs("D").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO deltas`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.AppendDelta(context.Background(), models.Delta{DocumentId: "D"})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestSeq_UnknownDocumentIsZero(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT last_seq FROM documents`).WithArgs("D").WillReturnError(sql.ErrNoRows)

	seq, err := s.GetLatestSeq(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestGetDeltas_AppliesLimit(t *testing.T) {
	s, mock := newStoreWithMock(t)

	rows := sqlmock.NewRows([]string{"seq", "op", "client_id", "user_id", "payload", "created"}).
		AddRow(int64(6), int64(0), "c", "u", []byte("a"), int64(1)).
		AddRow(int64(7), int64(2), "c", "u", []byte("b"), int64(2))
	mock.ExpectQuery(`SELECT seq, op, client_id, user_id, payload, created FROM deltas .* ORDER BY seq LIMIT \$3`).
		WithArgs("D", int64(5), int64(2)).
		WillReturnRows(rows)

	deltas, err := s.GetDeltas(context.Background(), "D", 5, 2)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, int64(6), deltas[0].Seq)
	assert.Equal(t, models.OpRemove, deltas[1].Op)
	assert.Equal(t, "D", deltas[1].DocumentId)
}

func TestPutSnapshot_ConditionFailed(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents SET snapshot_seq`).
		WithArgs("D", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.PutSnapshot(context.Background(), models.Snapshot{DocumentId: "D", Seq: 5})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestSnapshot_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT seq, payload, state_vector, created FROM snapshots`).
		WithArgs("D").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetLatestSnapshot(context.Background(), "D")
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}

func TestPruneDeltas_ClampsToSnapshot(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT snapshot_seq FROM documents WHERE id = \$1 FOR UPDATE`).
		WithArgs("D").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_seq"}).AddRow(int64(5)))
	mock.ExpectExec(`DELETE FROM deltas`).
		WithArgs("D", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM snapshots`).
		WithArgs("D", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.PruneDeltas(context.Background(), "D", 9)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBootstrapUser_ExistingUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO user_keys`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.BootstrapUser(context.Background(), models.UserKey{UserId: "u"}, models.Device{}, models.WrappedMasterKey{})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestApproveDevice_UnapprovedApprover(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT approved FROM devices`).
		WithArgs("u", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"approved"}).AddRow(false))
	mock.ExpectRollback()

	err := s.ApproveDevice(context.Background(), "d1", models.Device{UserId: "u", DeviceId: "d2"}, models.WrappedMasterKey{})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutDocKey_ReturnsExisting(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`INSERT INTO doc_keys`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT wrapped, created FROM doc_keys`).
		WithArgs("D", "u").
		WillReturnRows(sqlmock.NewRows([]string{"wrapped", "created"}).AddRow([]byte("first"), int64(1)))

	k, created, err := s.PutDocKey(context.Background(), models.DocKey{DocumentId: "D", UserId: "u", Wrapped: []byte("second")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte("first"), k.Wrapped)
}

func TestDeleteDocKey_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`DELETE FROM doc_keys`).WithArgs("D", "u").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteDocKey(context.Background(), "D", "u"), store.ErrItemNotFound)
}

func TestRunMigrations_UsesEmbeddedDir(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, RunMigrations(context.Background(), db))
	assert.Equal(t, "migrations", gotDir)

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	assert.EqualError(t, RunMigrations(context.Background(), db), "boom")
}
