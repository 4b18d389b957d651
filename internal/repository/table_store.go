package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/models"
)

// FieldCodec seals personal data columns on their way into the public store
// and opens them on the way out.
type FieldCodec interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// TableSpec describes a table the reconciler can copy between stores.
type TableSpec struct {
	Table      string
	Keys       []string
	Columns    []string
	Encrypted  []string
	FlagColumn string
}

func (s TableSpec) validate() error {
	if s.Table == "" {
		return errors.New("table spec without a table name")
	}
	if len(s.Keys) == 0 {
		return fmt.Errorf("table %s: at least one key column is required", s.Table)
	}
	if s.FlagColumn == "" {
		return fmt.Errorf("table %s: flag column is required", s.Table)
	}
	return nil
}

// TableStore is a generic row store over one table. Rows are flagged
// unsynced with 'N' in FlagColumn and synced with 'Y'.
type TableStore struct {
	db        *sql.DB
	spec      TableSpec
	codec     FieldCodec
	encrypted map[string]bool
	selectCol []string
	dataCol   []string
}

// NewTableStore builds a store over spec. Pass a nil codec for the internal
// store, where personal data is kept in clear.
func NewTableStore(db *sql.DB, spec TableSpec, codec FieldCodec) (*TableStore, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	isKey := make(map[string]bool, len(spec.Keys))
	for _, k := range spec.Keys {
		isKey[k] = true
	}
	var data []string
	for _, c := range spec.Columns {
		if !isKey[c] && c != spec.FlagColumn {
			data = append(data, c)
		}
	}
	enc := make(map[string]bool, len(spec.Encrypted))
	for _, c := range spec.Encrypted {
		enc[c] = true
	}
	if len(enc) > 0 && codec == nil {
		return nil, fmt.Errorf("table %s: encrypted columns configured without a codec", spec.Table)
	}
	return &TableStore{
		db:        db,
		spec:      spec,
		codec:     codec,
		encrypted: enc,
		selectCol: append(append([]string{}, spec.Keys...), data...),
		dataCol:   data,
	}, nil
}

func (s *TableStore) Name() string { return s.spec.Table }

func (s *TableStore) SelectUnsynced(ctx context.Context) ([]models.SyncRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 'N'",
		quoteAll(s.selectCol), pq.QuoteIdentifier(s.spec.Table), pq.QuoteIdentifier(s.spec.FlagColumn))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "select unsynced from %s", s.spec.Table)
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		values := make([]interface{}, len(s.selectCol))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "scan %s", s.spec.Table)
		}
		rec := models.SyncRecord{Key: map[string]interface{}{}, Fields: map[string]interface{}{}}
		for i, col := range s.selectCol {
			v := normalize(values[i])
			if i < len(s.spec.Keys) {
				rec.Key[col] = v
				continue
			}
			if s.encrypted[col] && rec.Err == nil {
				if v, rec.Err = s.open(col, v); rec.Err != nil {
					continue
				}
			}
			rec.Fields[col] = v
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *TableStore) Exists(ctx context.Context, key map[string]interface{}) (bool, error) {
	where, args, err := s.keyClause(key, 1)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", pq.QuoteIdentifier(s.spec.Table), where)
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup %s", s.spec.Table)
	}
	return true, nil
}

// Insert writes rec already flagged as synced, so it is not echoed back.
func (s *TableStore) Insert(ctx context.Context, rec models.SyncRecord) error {
	cols := make([]string, 0, len(s.selectCol)+1)
	args := make([]interface{}, 0, len(s.selectCol))
	for _, k := range s.spec.Keys {
		v, ok := rec.Key[k]
		if !ok || v == nil {
			return fmt.Errorf("%s: key column %s is missing", s.spec.Table, k)
		}
		cols = append(cols, k)
		args = append(args, v)
	}
	for _, c := range s.dataCol {
		v, err := s.fieldValue(rec, c)
		if err != nil {
			return err
		}
		cols = append(cols, c)
		args = append(args, v)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, 'Y')",
		pq.QuoteIdentifier(s.spec.Table), quoteAll(cols), pq.QuoteIdentifier(s.spec.FlagColumn), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "insert into %s", s.spec.Table)
	}
	return nil
}

func (s *TableStore) Update(ctx context.Context, rec models.SyncRecord) error {
	sets := make([]string, 0, len(s.dataCol)+1)
	args := make([]interface{}, 0, len(s.dataCol)+len(s.spec.Keys))
	for _, c := range s.dataCol {
		v, err := s.fieldValue(rec, c)
		if err != nil {
			return err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), len(args)))
	}
	sets = append(sets, fmt.Sprintf("%s = 'Y'", pq.QuoteIdentifier(s.spec.FlagColumn)))
	where, keyArgs, err := s.keyClause(rec.Key, len(args)+1)
	if err != nil {
		return err
	}
	args = append(args, keyArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", pq.QuoteIdentifier(s.spec.Table), strings.Join(sets, ", "), where)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "update %s", s.spec.Table)
	}
	return nil
}

func (s *TableStore) MarkSynced(ctx context.Context, key map[string]interface{}) error {
	where, args, err := s.keyClause(key, 1)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = 'Y' WHERE %s",
		pq.QuoteIdentifier(s.spec.Table), pq.QuoteIdentifier(s.spec.FlagColumn), where)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "mark synced in %s", s.spec.Table)
	}
	return nil
}

func (s *TableStore) keyClause(key map[string]interface{}, start int) (string, []interface{}, error) {
	parts := make([]string, 0, len(s.spec.Keys))
	args := make([]interface{}, 0, len(s.spec.Keys))
	for i, k := range s.spec.Keys {
		v, ok := key[k]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("%s: key column %s is missing", s.spec.Table, k)
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), start+i))
		args = append(args, v)
	}
	return strings.Join(parts, " AND "), args, nil
}

func (s *TableStore) fieldValue(rec models.SyncRecord, col string) (interface{}, error) {
	v := rec.Fields[col]
	if v == nil || !s.encrypted[col] {
		return v, nil
	}
	sealed, err := s.codec.Seal(fmt.Sprint(v))
	if err != nil {
		return nil, errors.Wrapf(err, "seal %s.%s", s.spec.Table, col)
	}
	return sealed, nil
}

func (s *TableStore) open(col string, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	plain, err := s.codec.Open(fmt.Sprint(v))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s.%s", s.spec.Table, col)
	}
	return plain, nil
}

func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
