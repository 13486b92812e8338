package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// Timescale is the relational time-series adapter. Timeseries tables
// become hypertables when the extension is installed; the adapter
// degrades to plain Postgres tables when it is not.
type Timescale struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

const pgUndefinedTable = "42P01"

func OpenTimescale(ctx context.Context, cfg Config, logger *slog.Logger) (*Timescale, error) {
	t := &Timescale{cfg: cfg, logger: logging.Default(logger)}
	if err := t.connect(ctx, cfg.Database); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Timescale) dsn(database string) string {
	host := t.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := t.cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", t.cfg.User, t.cfg.Password, host, port, database)
}

func (t *Timescale) connect(ctx context.Context, database string) error {
	pool, err := pgxpool.New(ctx, t.dsn(database))
	if err != nil {
		return fmt.Errorf("%w: pgx pool: %v", apperr.ErrPermanentBackend, err)
	}
	if err := withBackoff(ctx, t.logger, "timescale connect", func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return err
	}
	if t.pool != nil {
		t.pool.Close()
	}
	t.pool = pool
	return nil
}

func (t *Timescale) Ping(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: timescale ping: %v", apperr.ErrTransientBackend, err)
	}
	return nil
}

func (t *Timescale) Close() error {
	t.pool.Close()
	return nil
}

func (t *Timescale) CreateDatabase(ctx context.Context, name string, force bool) error {
	if force {
		if _, err := t.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("%w: drop database %s: %v", apperr.ErrPermanentBackend, name, err)
		}
	}
	_, err := t.pool.Exec(ctx, "CREATE DATABASE "+quoteIdent(name))
	if err != nil {
		var pgErr *pgconn.PgError
		// 42P04: database already exists
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("%w: create database %s: %v", apperr.ErrPermanentBackend, name, err)
	}
	return nil
}

func (t *Timescale) UseDatabase(ctx context.Context, name string) error {
	return t.connect(ctx, name)
}

func timescaleType(ft model.FieldType) string {
	switch ft {
	case model.TypeInt8, model.TypeInt16, model.TypeUint8:
		return "smallint"
	case model.TypeInt32, model.TypeUint16:
		return "integer"
	case model.TypeInt64, model.TypeUint32:
		return "bigint"
	case model.TypeUint64:
		// full unsigned 64-bit range without overflow
		return "numeric(20,0)"
	case model.TypeFloat32:
		return "real"
	case model.TypeFloat64:
		return "double precision"
	case model.TypeBool:
		return "boolean"
	case model.TypeTimestamp:
		return "timestamptz"
	case model.TypeBinary, model.TypeVarBinary:
		return "bytea"
	default:
		return "text"
	}
}

func (t *Timescale) CreateTable(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	fields := ing.PersistentFields()
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col := quoteIdent(f.Name) + " " + timescaleType(f.Type)
		if ing.ResourceType == model.ResourceUpdate && f.Name == model.UIDField {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
	if _, err := t.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", apperr.ErrPermanentBackend, table, err)
	}

	if ing.ResourceType == model.ResourceTimeSeries {
		_, err := t.pool.Exec(ctx,
			"SELECT create_hypertable($1::regclass, $2, if_not_exists => TRUE)",
			quoteIdent(table), model.TimestampField)
		if err != nil {
			// Plain Postgres without the extension still serves.
			t.logger.Warn("hypertable creation skipped", "table", table, "error", err)
		}
	}
	return nil
}

func timescaleBind(ft model.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch ft {
	case model.TypeTimestamp:
		ts, err := normalizeTimestamp(v)
		if err != nil {
			return nil, err
		}
		return ts, nil
	case model.TypeUint64:
		if u, ok := v.(uint64); ok {
			// numeric(20,0) accepts the textual form for the full range
			return strconv.FormatUint(u, 10), nil
		}
	}
	return v, nil
}

func (t *Timescale) bindRow(ing *model.Ingester, row map[string]any) ([]string, []any, error) {
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
		bound, err := timescaleBind(f.Type, v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		names = append(names, f.Name)
		values = append(values, bound)
	}
	return names, values, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

func (t *Timescale) Insert(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	names, values, err := t.bindRow(ing, nil)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "), placeholders(len(values), true))

	_, err = t.pool.Exec(ctx, query, values...)
	if isUndefinedTable(err) {
		if cerr := t.CreateTable(ctx, ing, table); cerr != nil {
			return cerr
		}
		_, err = t.pool.Exec(ctx, query, values...)
	}
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", apperr.ErrTransientBackend, table, err)
	}
	return nil
}

func (t *Timescale) InsertMany(ctx context.Context, ing *model.Ingester, rows []map[string]any, table string) error {
	if table == "" {
		table = ing.Name
	}
	if len(rows) == 0 {
		return nil
	}
	if err := t.CreateTable(ctx, ing, table); err != nil {
		return err
	}

	fields := ing.PersistentFields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "), placeholders(len(names), true))

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperr.ErrTransientBackend, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, row := range rows {
		_, values, err := t.bindRow(ing, row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, values...); err != nil {
			return fmt.Errorf("%w: insert %s: %v", apperr.ErrTransientBackend, table, err)
		}
	}
	return tx.Commit(ctx)
}

func (t *Timescale) Upsert(ctx context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	names, values, err := t.bindRow(ing, nil)
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
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(table), strings.Join(quoteIdents(names), ", "),
		placeholders(len(values), true), quoteIdent(model.UIDField), strings.Join(sets, ", "))

	_, err = t.pool.Exec(ctx, query, values...)
	if isUndefinedTable(err) {
		if cerr := t.CreateTable(ctx, ing, table); cerr != nil {
			return cerr
		}
		_, err = t.pool.Exec(ctx, query, values...)
	}
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", apperr.ErrTransientBackend, table, err)
	}
	return nil
}

func (t *Timescale) FetchByID(ctx context.Context, table, uid string) (Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", quoteIdent(table), quoteIdent(model.UIDField))
	records, err := t.queryRecords(ctx, query, uid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s[%s]", apperr.ErrNotFound, table, uid)
	}
	return records[0], nil
}

func (t *Timescale) FetchBatchByIDs(ctx context.Context, table string, uids []string) ([]Record, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ANY($1)", quoteIdent(table), quoteIdent(model.UIDField))
	return t.queryRecords(ctx, query, uids)
}

func (t *Timescale) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", apperr.ErrTransientBackend, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(values))
		for i, fd := range rows.FieldDescriptions() {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[fd.Name] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fetch buckets with time_bucket and picks, per column, the last (or
// first) non-null value in each bucket with an ordered, filtered
// array_agg. A column that is null in the bucket's final row still
// resolves from an earlier row.
func (t *Timescale) Fetch(ctx context.Context, table string, from, to time.Time, interval model.Interval, columns []string, useFirst bool) ([]string, [][]any, error) {
	secs, err := interval.Seconds()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}
	if len(columns) == 0 {
		if columns, err = t.dataColumns(ctx, table); err != nil {
			return nil, nil, err
		}
	}

	dir := "DESC"
	if useFirst {
		dir = "ASC"
	}
	ts := quoteIdent(model.TimestampField)
	picks := make([]string, len(columns))
	for i, c := range columns {
		picks[i] = fmt.Sprintf("(array_agg(%[1]s ORDER BY %[2]s %[3]s) FILTER (WHERE %[1]s IS NOT NULL))[1] AS %[1]s",
			quoteIdent(c), ts, dir)
	}
	query := fmt.Sprintf(
		"SELECT time_bucket(INTERVAL '%d seconds', %s) AS bucket, %s FROM %s WHERE %s >= $1 AND %s < $2 GROUP BY bucket ORDER BY bucket",
		secs, ts, strings.Join(picks, ", "), quoteIdent(table), ts, ts)

	rows, err := t.pool.Query(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch %s: %v", apperr.ErrTransientBackend, table, err)
	}
	defer rows.Close()

	outCols := append([]string{model.TimestampField}, columns...)
	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make([]any, len(values))
		for i, v := range values {
			if ts, ok := v.(time.Time); ok {
				v = ts.UTC()
			}
			row[i] = v
		}
		out = append(out, row)
	}
	return outCols, out, rows.Err()
}

func (t *Timescale) FetchBatch(ctx context.Context, tables []string, from, to time.Time, interval model.Interval, columns []string) ([]string, [][]any, error) {
	return fetchBatch(ctx, t, tables, from, to, interval, columns)
}

func (t *Timescale) ListTables(ctx context.Context) ([]string, error) {
	rows, err := t.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name")
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

func (t *Timescale) GetColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := t.pool.Query(ctx,
		"SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position",
		table)
	if err != nil {
		return nil, fmt.Errorf("%w: columns %s: %v", apperr.ErrTransientBackend, table, err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var name, ctype, nullable string
		if err := rows.Scan(&name, &ctype, &nullable); err != nil {
			return nil, err
		}
		out = append(out, Column{Name: name, Type: ctype, Nullable: nullable == "YES"})
	}
	return out, rows.Err()
}

func (t *Timescale) dataColumns(ctx context.Context, table string) ([]string, error) {
	cols, err := t.GetColumns(ctx, table)
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

func (t *Timescale) AlterTable(ctx context.Context, table string, add []model.Field, drop []string) error {
	for _, f := range add {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quoteIdent(table), quoteIdent(f.Name), timescaleType(f.Type))
		if _, err := t.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("%w: add column %s.%s: %v", apperr.ErrPermanentBackend, table, f.Name, err)
		}
	}
	for _, name := range drop {
		q := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quoteIdent(table), quoteIdent(name))
		if _, err := t.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("%w: drop column %s.%s: %v", apperr.ErrPermanentBackend, table, name, err)
		}
	}
	return nil
}

func (t *Timescale) Commit(ctx context.Context) error { return nil }
