package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	fields map[string]interface{}
	synced bool
}

// tableStore is an in-memory table keyed on notice_no.
type tableStore struct {
	name       string
	rows       map[string]*row
	inserts    int
	updates    int
	failInsert map[string]bool
	failSelect error
	undecoded  map[string]error
}

func newTableStore(name string) *tableStore {
	return &tableStore{name: name, rows: map[string]*row{}, failInsert: map[string]bool{}, undecoded: map[string]error{}}
}

func (s *tableStore) put(noticeNo string, synced bool, fields map[string]interface{}) {
	s.rows[noticeNo] = &row{fields: fields, synced: synced}
}

func (s *tableStore) Name() string { return s.name }

func (s *tableStore) SelectUnsynced(context.Context) ([]models.SyncRecord, error) {
	if s.failSelect != nil {
		return nil, s.failSelect
	}
	var out []models.SyncRecord
	for k, r := range s.rows {
		if !r.synced {
			out = append(out, models.SyncRecord{Key: map[string]interface{}{"notice_no": k}, Fields: r.fields, Err: s.undecoded[k]})
		}
	}
	return out, nil
}

func (s *tableStore) Exists(_ context.Context, key map[string]interface{}) (bool, error) {
	_, ok := s.rows[fmt.Sprint(key["notice_no"])]
	return ok, nil
}

func (s *tableStore) Insert(_ context.Context, rec models.SyncRecord) error {
	k := fmt.Sprint(rec.Key["notice_no"])
	if s.failInsert[k] {
		return errors.New("value too long for column")
	}
	if _, ok := s.rows[k]; ok {
		return errors.New("duplicate key value violates unique constraint")
	}
	s.inserts++
	s.rows[k] = &row{fields: rec.Fields, synced: true}
	return nil
}

func (s *tableStore) Update(_ context.Context, rec models.SyncRecord) error {
	k := fmt.Sprint(rec.Key["notice_no"])
	s.updates++
	s.rows[k] = &row{fields: rec.Fields, synced: true}
	return nil
}

func (s *tableStore) MarkSynced(_ context.Context, key map[string]interface{}) error {
	s.rows[fmt.Sprint(key["notice_no"])].synced = true
	return nil
}

func TestReconcileIsIdempotent(t *testing.T) {
	source := newTableStore("internet.ocms_valid_offence_notice")
	target := newTableStore("intranet.ocms_valid_offence_notice")
	source.put("N1", false, map[string]interface{}{"amount_paid": 70})
	source.put("N2", false, map[string]interface{}{"amount_paid": 0})
	source.put("N3", true, map[string]interface{}{"amount_paid": 10})
	target.put("N2", true, map[string]interface{}{"amount_paid": 50})

	r := New(zerolog.Nop())
	ctx := context.Background()

	first, err := r.Reconcile(ctx, models.PublicToInternal, source, target)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Selected)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 0, first.Failed)
	assert.Equal(t, 0, target.rows["N2"].fields["amount_paid"])

	second, err := r.Reconcile(ctx, models.PublicToInternal, source, target)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Selected)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, target.inserts)
}

func TestReconcileIsolatesRowFailures(t *testing.T) {
	source := newTableStore("internal")
	target := newTableStore("public")
	source.put("N1", false, nil)
	source.put("BAD", false, nil)
	source.put("N3", false, nil)
	target.failInsert["BAD"] = true

	rep, err := New(zerolog.Nop()).Reconcile(context.Background(), models.InternalToPublic, source, target)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Selected)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Failed)
	assert.False(t, source.rows["BAD"].synced, "failed rows stay dirty for the next run")
	assert.True(t, source.rows["N1"].synced)
	assert.Contains(t, rep.String(), "notice_no=BAD")
}

func TestReconcileCountsUndecodableRowsAsFailed(t *testing.T) {
	source := newTableStore("public")
	target := newTableStore("internal")
	source.put("N1", false, map[string]interface{}{"id_no": "S1234567D"})
	source.put("N2", false, nil)
	source.put("N3", false, map[string]interface{}{"id_no": "T7654321Z"})
	source.undecoded["N2"] = errors.New("open ocms_valid_offence_notice.id_no: corrupt")

	rep, err := New(zerolog.Nop()).Reconcile(context.Background(), models.PublicToInternal, source, target)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Selected)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Failed)
	assert.NotContains(t, target.rows, "N2", "an undecodable row never reaches the target")
	assert.False(t, source.rows["N2"].synced)
	assert.Contains(t, rep.String(), "notice_no=N2: decode source row")
}

func TestReconcileSelectFailure(t *testing.T) {
	source := newTableStore("internal")
	source.failSelect = errors.New("connection refused")

	_, err := New(zerolog.Nop()).Reconcile(context.Background(), models.InternalToPublic, source, newTableStore("public"))
	assert.Error(t, err)
}

func TestReconcileRejectsUnknownDirection(t *testing.T) {
	_, err := New(zerolog.Nop()).Reconcile(context.Background(), "sideways", newTableStore("a"), newTableStore("b"))
	assert.Error(t, err)
}
