// Package store defines the back-end-agnostic persistence contract for
// ingester output and implements it for embedded SQLite and
// TimescaleDB. Timeseries tables get bucketed window fetches, update
// tables get uid-keyed idempotent upserts.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"graze/internal/apperr"
	"graze/internal/model"
)

// Record is one fetched row keyed by column name.
type Record map[string]any

// Column describes one table column as reported by the back-end.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Adapter is the uniform storage contract. Implementations connect
// lazily and must quote every identifier they emit.
type Adapter interface {
	Ping(ctx context.Context) error
	Close() error

	CreateDatabase(ctx context.Context, name string, force bool) error
	UseDatabase(ctx context.Context, name string) error

	// CreateTable derives columns from the ingester's non-transient
	// fields and is idempotent.
	CreateTable(ctx context.Context, ing *model.Ingester, table string) error

	// Insert writes one row from the ingester's current field values.
	// A missing table is created once and the insert retried.
	Insert(ctx context.Context, ing *model.Ingester, table string) error
	InsertMany(ctx context.Context, ing *model.Ingester, rows []map[string]any, table string) error

	// Upsert replaces the row keyed by the ingester's uid field.
	Upsert(ctx context.Context, ing *model.Ingester, table string) error

	FetchByID(ctx context.Context, table, uid string) (Record, error)
	FetchBatchByIDs(ctx context.Context, table string, uids []string) ([]Record, error)

	// Fetch returns rows aggregated into buckets of interval width over
	// [from, to). Per bucket and column the last non-null value wins,
	// or the first when useFirst is set. The timestamp column carries
	// the bucket start.
	Fetch(ctx context.Context, table string, from, to time.Time, interval model.Interval, columns []string, useFirst bool) ([]string, [][]any, error)

	// FetchBatch fans out one Fetch per table and merges the results
	// into a unified column set aligned on bucket starts.
	FetchBatch(ctx context.Context, tables []string, from, to time.Time, interval model.Interval, columns []string) ([]string, [][]any, error)

	ListTables(ctx context.Context) ([]string, error)
	GetColumns(ctx context.Context, table string) ([]Column, error)
	AlterTable(ctx context.Context, table string, add []model.Field, drop []string) error

	// Commit flushes buffered writes. Autocommitting back-ends no-op.
	Commit(ctx context.Context) error
}

// Config selects and parameterizes a back-end.
type Config struct {
	Backend  string `yaml:"backend"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Path is the database file for embedded back-ends.
	Path string `yaml:"path"`
}

// Open connects the configured back-end.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Adapter, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg, logger)
	case "timescale", "timescaledb", "postgres":
		return OpenTimescale(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", apperr.ErrConfig, cfg.Backend)
}

const (
	backoffInitial = time.Second
	backoffCap     = 30 * time.Second
	backoffTries   = 6
)

// withBackoff retries fn with capped exponential back-off. Errors that
// are not transient abort immediately.
func withBackoff(ctx context.Context, logger *slog.Logger, what string, fn func() error) error {
	delay := backoffInitial
	var err error
	for attempt := 1; attempt <= backoffTries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == backoffTries {
			break
		}
		logger.Warn("retrying", "op", what, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrTransientBackend, what, err)
}

// FetchColumn adapts an Adapter to the transformation engine's series
// source: it loads a single numeric column over a window, bucketed at
// the ingester's own interval, oldest first.
type SeriesReader struct {
	Adapter Adapter
}

func (s SeriesReader) FetchColumn(ctx context.Context, ing *model.Ingester, column string, from, to time.Time) ([]float64, error) {
	_, rows, err := s.Adapter.Fetch(ctx, ing.Name, from, to, ing.Interval, []string{column}, false)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for _, row := range rows {
		// Column 0 is the bucket timestamp.
		if len(row) < 2 || row[1] == nil {
			continue
		}
		f, err := toFloat(row[1])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		out = append(out, f)
	}
	return out, nil
}
