package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// SQLite is the embedded reference adapter. Timestamps are stored as
// epoch milliseconds (INTEGER).
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (and creates) the database file. An empty path
// defaults to graze.db in the working directory.
func OpenSQLite(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLite, error) {
	path := cfg.Path
	if path == "" {
		path = "graze.db"
	}
	s := &SQLite{path: path, logger: logging.Default(logger)}
	if err := s.open(ctx, path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) open(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("%w: sqlite open: %v", apperr.ErrPermanentBackend, err)
	}
	// A single writer keeps SQLITE_BUSY at bay.
	db.SetMaxOpenConns(1)
	if err := withBackoff(ctx, s.logger, "sqlite connect", func() error {
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return err
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	s.db = db
	s.path = path
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite ping: %v", apperr.ErrTransientBackend, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// CreateDatabase is file-backed: the file springs into existence on
// connect. force removes an existing file first.
func (s *SQLite) CreateDatabase(ctx context.Context, name string, force bool) error {
	path := s.siblingPath(name)
	if force {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: drop %s: %v", apperr.ErrPermanentBackend, name, err)
		}
	}
	return nil
}

// UseDatabase switches to a sibling database file.
func (s *SQLite) UseDatabase(ctx context.Context, name string) error {
	return s.open(ctx, s.siblingPath(name))
}

func (s *SQLite) siblingPath(name string) string {
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	return filepath.Join(filepath.Dir(s.path), name)
}

func sqliteType(t model.FieldType) string {
	switch t {
	case model.TypeFloat32, model.TypeFloat64:
		return "REAL"
	case model.TypeString:
		return "TEXT"
	case model.TypeBinary, model.TypeVarBinary:
		return "BLOB"
	case model.TypeTimestamp:
		return "INTEGER"
	default:
		return "INTEGER"
	}
}

func (s *SQLite) CreateTable(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	fields := ing.PersistentFields()
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col := quoteIdent(f.Name) + " " + sqliteType(f.Type)
		if ing.ResourceType == model.ResourceUpdate && f.Name == model.UIDField {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", apperr.ErrPermanentBackend, table, err)
	}
	if ing.ResourceType == model.ResourceTimeSeries {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(table+"_ts_idx"), quoteIdent(table), quoteIdent(model.TimestampField))
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("%w: index %s: %v", apperr.ErrPermanentBackend, table, err)
		}
	}
	return nil
}

// bindValue coerces a field value to the driver representation,
// rejecting unsigned overflow instead of wrapping.
func sqliteBind(t model.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case model.TypeTimestamp:
		ts, err := normalizeTimestamp(v)
		if err != nil {
			return nil, err
		}
		return ts.UnixMilli(), nil
	case model.TypeUint64:
		if u, ok := v.(uint64); ok {
			return checkedUint64(u)
		}
	}
	return v, nil
}

func (s *SQLite) bindRow(ing *model.Ingester, row map[string]any) ([]string, []any, error) {
	fields := ing.PersistentFields()
	names := make([]string, 0, len(fields))
	values := make([]any, 0, len(fields))
	for _, f := range fields {
		var v any
		if row != nil {
			v = row[f.Name]
		} else {
			v = f.Value
		}
		bound, err := sqliteBind(f.Type, v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		names = append(names, f.Name)
		values = append(values, bound)
	}
	return names, values, nil
}

func (s *SQLite) Insert(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	names, values, err := s.bindRow(ing, nil)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "), placeholders(len(values), false))

	_, err = s.db.ExecContext(ctx, query, values...)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		if cerr := s.CreateTable(ctx, ing, table); cerr != nil {
			return cerr
		}
		_, err = s.db.ExecContext(ctx, query, values...)
	}
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", apperr.ErrTransientBackend, table, err)
	}
	return nil
}

func (s *SQLite) InsertMany(ctx context.Context, ing *model.Ingester, rows []map[string]any, table string) error {
	if table == "" {
		table = ing.Name
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.CreateTable(ctx, ing, table); err != nil {
		return err
	}

	fields := ing.PersistentFields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "), placeholders(len(names), false))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperr.ErrTransientBackend, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: prepare insert %s: %v", apperr.ErrTransientBackend, table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, values, err := s.bindRow(ing, row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("%w: insert %s: %v", apperr.ErrTransientBackend, table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Upsert(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	names, values, err := s.bindRow(ing, nil)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(names))
	for _, n := range names {
		if n == model.UIDField {
			continue
		}
		sets = append(sets, quoteIdent(n)+" = excluded."+quoteIdent(n))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "),
		placeholders(len(values), false), quoteIdent(model.UIDField), strings.Join(sets, ", "))

	_, err = s.db.ExecContext(ctx, query, values...)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		if cerr := s.CreateTable(ctx, ing, table); cerr != nil {
			return cerr
		}
		_, err = s.db.ExecContext(ctx, query, values...)
	}
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", apperr.ErrTransientBackend, table, err)
	}
	return nil
}

func (s *SQLite) FetchByID(ctx context.Context, table, uid string) (Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(model.UIDField))
	records, err := s.queryRecords(ctx, query, uid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s[%s]", apperr.ErrNotFound, table, uid)
	}
	return records[0], nil
}

func (s *SQLite) FetchBatchByIDs(ctx context.Context, table string, uids []string) ([]Record, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)",
		quoteIdent(table), quoteIdent(model.UIDField), placeholders(len(uids), false))
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLite) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", apperr.ErrTransientBackend, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		holders := make([]any, len(cols))
		for i := range holders {
			holders[i] = new(any)
		}
		if err := rows.Scan(holders...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			v := *(holders[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if c == model.TimestampField {
				if ts, err := normalizeTimestamp(v); err == nil {
					v = ts
				}
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fetch buckets the window into interval-wide groups and picks, per
// column, the last (or first) non-null value inside each bucket via a
// correlated subquery. A column that is null in the bucket's final row
// still resolves from an earlier row.
func (s *SQLite) Fetch(ctx context.Context, table string, from, to time.Time, interval model.Interval, columns []string, useFirst bool) ([]string, [][]any, error) {
	secs, err := interval.Seconds()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}
	if len(columns) == 0 {
		if columns, err = s.dataColumns(ctx, table); err != nil {
			return nil, nil, err
		}
	}

	dir := "DESC"
	if useFirst {
		dir = "ASC"
	}
	ts := quoteIdent(model.TimestampField)
	picks := make([]string, len(columns))
	args := make([]any, 0, 2*len(columns)+2)
	for i, c := range columns {
		picks[i] = fmt.Sprintf(
			"(SELECT i.%[1]s FROM %[2]s i WHERE i.%[3]s / 1000 / %[4]d = o.%[3]s / 1000 / %[4]d AND i.%[3]s >= ? AND i.%[3]s < ? AND i.%[1]s IS NOT NULL ORDER BY i.%[3]s %[5]s LIMIT 1) AS %[1]s",
			quoteIdent(c), quoteIdent(table), ts, secs, dir)
		args = append(args, from.UnixMilli(), to.UnixMilli())
	}
	args = append(args, from.UnixMilli(), to.UnixMilli())
	query := fmt.Sprintf(
		"SELECT (o.%s / 1000 / %d) * %d AS bucket, %s FROM %s o WHERE o.%s >= ? AND o.%s < ? GROUP BY bucket ORDER BY bucket",
		ts, secs, secs,
		strings.Join(picks, ", "),
		quoteIdent(table), ts, ts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch %s: %v", apperr.ErrTransientBackend, table, err)
	}
	defer rows.Close()

	outCols := append([]string{model.TimestampField}, columns...)
	var out [][]any
	for rows.Next() {
		holders := make([]any, len(columns)+1)
		for i := range holders {
			holders[i] = new(any)
		}
		if err := rows.Scan(holders...); err != nil {
			return nil, nil, err
		}
		row := make([]any, len(columns)+1)
		bucket, err := toFloat(*(holders[0].(*any)))
		if err != nil {
			return nil, nil, fmt.Errorf("bucket: %w", err)
		}
		row[0] = time.Unix(int64(bucket), 0).UTC()
		for i := 0; i < len(columns); i++ {
			v := *(holders[i+1].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[i+1] = v
		}
		out = append(out, row)
	}
	return outCols, out, rows.Err()
}

func (s *SQLite) FetchBatch(ctx context.Context, tables []string, from, to time.Time, interval model.Interval, columns []string) ([]string, [][]any, error) {
	return fetchBatch(ctx, s, tables, from, to, interval, columns)
}

func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %v", apperr.ErrTransientBackend, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) GetColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("%w: columns %s: %v", apperr.ErrTransientBackend, table, err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, Column{Name: name, Type: ctype, Nullable: notnull == 0})
	}
	return out, rows.Err()
}

func (s *SQLite) dataColumns(ctx context.Context, table string) ([]string, error) {
	cols, err := s.GetColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range cols {
		if c.Name == model.TimestampField || c.Name == model.UIDField {
			continue
		}
		out = append(out, c.Name)
	}
	return out, nil
}

func (s *SQLite) AlterTable(ctx context.Context, table string, add []model.Field, drop []string) error {
	for _, f := range add {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(f.Name), sqliteType(f.Type))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: add column %s.%s: %v", apperr.ErrPermanentBackend, table, f.Name, err)
		}
	}
	for _, name := range drop {
		q := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(table), quoteIdent(name))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: drop column %s.%s: %v", apperr.ErrPermanentBackend, table, name, err)
		}
	}
	return nil
}

// Commit is a no-op; the driver autocommits.
func (s *SQLite) Commit(ctx context.Context) error { return nil }
