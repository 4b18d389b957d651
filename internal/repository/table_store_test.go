package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wrapCodec struct{}

func (wrapCodec) Seal(plain string) (string, error) { return "enc(" + plain + ")", nil }
func (wrapCodec) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, "enc(") || !strings.HasSuffix(sealed, ")") {
		return "", errors.New("chacha20poly1305: message authentication failed")
	}
	return strings.TrimSuffix(strings.TrimPrefix(sealed, "enc("), ")"), nil
}

var noticeSpec = TableSpec{
	Table:      "ocms_valid_offence_notice",
	Keys:       []string{"notice_no"},
	Columns:    []string{"notice_no", "vehicle_no", "id_no", "is_sync"},
	Encrypted:  []string{"id_no"},
	FlagColumn: "is_sync",
}

func newNoticeStore(t *testing.T) (*TableStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewTableStore(db, noticeSpec, wrapCodec{})
	require.NoError(t, err)
	return store, mock
}

func TestTableStoreSelectUnsyncedOpensSealedColumns(t *testing.T) {
	store, mock := newNoticeStore(t)
	mock.ExpectQuery(`SELECT "notice_no", "vehicle_no", "id_no" FROM "ocms_valid_offence_notice" WHERE "is_sync" = 'N'`).
		WillReturnRows(sqlmock.NewRows([]string{"notice_no", "vehicle_no", "id_no"}).
			AddRow("500000001A", []byte("SBA1234A"), "enc(S1234567D)").
			AddRow("500000002B", "SGX99", nil))

	recs, err := store.SelectUnsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]interface{}{"notice_no": "500000001A"}, recs[0].Key)
	assert.Equal(t, "SBA1234A", recs[0].Fields["vehicle_no"])
	assert.Equal(t, "S1234567D", recs[0].Fields["id_no"])
	assert.Nil(t, recs[1].Fields["id_no"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableStoreSelectUnsyncedKeepsUnreadableRows(t *testing.T) {
	store, mock := newNoticeStore(t)
	mock.ExpectQuery(`SELECT "notice_no", "vehicle_no", "id_no" FROM "ocms_valid_offence_notice" WHERE "is_sync" = 'N'`).
		WillReturnRows(sqlmock.NewRows([]string{"notice_no", "vehicle_no", "id_no"}).
			AddRow("500000001A", "SBA1234A", "enc(S1234567D)").
			AddRow("500000002B", "SGX99", "corrupt").
			AddRow("500000003C", "SJK7", "enc(T7654321Z)"))

	recs, err := store.SelectUnsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.NoError(t, recs[0].Err)
	assert.NoError(t, recs[2].Err)
	assert.Equal(t, "T7654321Z", recs[2].Fields["id_no"])

	require.Error(t, recs[1].Err)
	assert.Contains(t, recs[1].Err.Error(), "open ocms_valid_offence_notice.id_no")
	assert.Equal(t, map[string]interface{}{"notice_no": "500000002B"}, recs[1].Key)
	assert.NotContains(t, recs[1].Fields, "id_no")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableStoreInsertSealsAndFlags(t *testing.T) {
	store, mock := newNoticeStore(t)
	mock.ExpectExec(`INSERT INTO "ocms_valid_offence_notice" ("notice_no", "vehicle_no", "id_no", "is_sync") VALUES ($1, $2, $3, 'Y')`).
		WithArgs("500000001A", "SBA1234A", "enc(S1234567D)").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Insert(context.Background(), models.SyncRecord{
		Key:    map[string]interface{}{"notice_no": "500000001A"},
		Fields: map[string]interface{}{"vehicle_no": "SBA1234A", "id_no": "S1234567D"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableStoreUpdateExistsMarkSynced(t *testing.T) {
	store, mock := newNoticeStore(t)
	key := map[string]interface{}{"notice_no": "500000001A"}

	mock.ExpectQuery(`SELECT 1 FROM "ocms_valid_offence_notice" WHERE "notice_no" = $1 LIMIT 1`).
		WithArgs("500000001A").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM "ocms_valid_offence_notice" WHERE "notice_no" = $1 LIMIT 1`).
		WithArgs("500000009Z").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectExec(`UPDATE "ocms_valid_offence_notice" SET "vehicle_no" = $1, "id_no" = $2, "is_sync" = 'Y' WHERE "notice_no" = $3`).
		WithArgs("SBA1234A", nil, "500000001A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "ocms_valid_offence_notice" SET "is_sync" = 'Y' WHERE "notice_no" = $1`).
		WithArgs("500000001A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(context.Background(), map[string]interface{}{"notice_no": "500000009Z"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Update(context.Background(), models.SyncRecord{
		Key:    key,
		Fields: map[string]interface{}{"vehicle_no": "SBA1234A"},
	}))
	require.NoError(t, store.MarkSynced(context.Background(), key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableStoreCompositeKeyRequiresAllParts(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewTableStore(db, TableSpec{
		Table:      "ocms_offence_notice_owner_driver",
		Keys:       []string{"notice_no", "owner_driver_indicator"},
		Columns:    []string{"name"},
		FlagColumn: "is_sync",
	}, nil)
	require.NoError(t, err)

	err = store.MarkSynced(context.Background(), map[string]interface{}{"notice_no": "500000001A"})
	assert.ErrorContains(t, err, "owner_driver_indicator")
}

func TestNewTableStoreValidatesSpec(t *testing.T) {
	_, err := NewTableStore(nil, TableSpec{Table: "t", FlagColumn: "is_sync"}, nil)
	assert.Error(t, err, "no key columns")

	_, err = NewTableStore(nil, noticeSpec, nil)
	assert.Error(t, err, "encrypted columns need a codec")
}
