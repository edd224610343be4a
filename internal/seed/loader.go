package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRowsPerTable = 20_000
	DefaultBatchSize    = 5_000
)

var ErrMissingTables = errors.New("missing tables")

// MissingTablesError names every required table that is absent.
type MissingTablesError struct {
	Tables []string
}

func (e *MissingTablesError) Error() string {
	return fmt.Sprintf("missing %s tables: %s; run create-tables first", Schema, strings.Join(e.Tables, ", "))
}

func (e *MissingTablesError) Unwrap() error {
	return ErrMissingTables
}

// Session is one transactional connection to the target store.
type Session interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CopyCSV(ctx context.Context, table string, columns []string, r io.Reader) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

type Options struct {
	RowsPerTable int
	BatchSize    int
	// Seed makes fabricated values reproducible; zero is random.
	Seed uint64
}

func (o Options) withDefaults() Options {
	if o.RowsPerTable == 0 {
		o.RowsPerTable = DefaultRowsPerTable
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

type TableSummary struct {
	Table   string
	Rows    int64
	Batches int
}

type Summary struct {
	Tables   []TableSummary
	Duration time.Duration
}

func (s Summary) Rows() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Rows
	}
	return n
}

type Loader struct {
	connector  Connector
	tables     []Table
	logger     *slog.Logger
	now        func() time.Time
	newBatchID func() uuid.UUID
}

func NewLoader(connector Connector, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		connector:  connector,
		tables:     Tables(),
		logger:     logger,
		now:        time.Now,
		newBatchID: uuid.New,
	}
}

// CheckTables verifies that every table exists without loading anything.
func (l *Loader) CheckTables(ctx context.Context) (err error) {
	session, err := l.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if rbErr := session.Rollback(ctx); rbErr != nil {
			l.logger.Warn("rollback after table check failed", "error", rbErr)
		}
		if closeErr := session.Close(ctx); closeErr != nil && err == nil {
			err = fmt.Errorf("close session: %w", closeErr)
		}
	}()
	return l.checkTables(ctx, session)
}

func (l *Loader) checkTables(ctx context.Context, session Session) error {
	var missing []string
	for _, t := range l.tables {
		name := t.QualifiedName()
		exists, err := session.TableExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check table %s: %w", name, err)
		}
		l.logger.Info("table check", "table", name, "exists", exists)
		if !exists {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingTablesError{Tables: missing}
	}
	return nil
}

// Load fabricates and copies rows into every table in one transaction.
// Any failure rolls the whole transaction back and is returned to the
// caller with the table it happened in.
func (l *Loader) Load(ctx context.Context, opts Options) (summary Summary, err error) {
	opts = opts.withDefaults()
	if opts.RowsPerTable < 0 {
		return Summary{}, fmt.Errorf("rows per table must be >= 0, got %d", opts.RowsPerTable)
	}
	plans, err := PlanBatches(opts.RowsPerTable, opts.BatchSize)
	if err != nil {
		return Summary{}, err
	}

	started := l.now()
	session, err := l.connector.Connect(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if closeErr := session.Close(context.WithoutCancel(ctx)); closeErr != nil {
			l.logger.Warn("close seed session failed", "error", closeErr)
			if err == nil {
				err = fmt.Errorf("close session: %w", closeErr)
			}
		}
		l.logger.Info("seed session closed")
	}()
	defer func() {
		if v := recover(); v != nil {
			l.rollback(ctx, session)
			panic(v)
		}
	}()

	if err := l.checkTables(ctx, session); err != nil {
		l.rollback(ctx, session)
		return Summary{}, err
	}

	gen := NewGenerator(opts.Seed)
	for _, table := range l.tables {
		ts, err := l.loadTable(ctx, session, gen, table, plans)
		if err != nil {
			l.logger.Error("seed failed; rolling back", "table", table.QualifiedName(), "error", err)
			l.rollback(ctx, session)
			return Summary{}, err
		}
		summary.Tables = append(summary.Tables, ts)
	}

	if err := session.Commit(ctx); err != nil {
		l.rollback(ctx, session)
		return Summary{}, fmt.Errorf("commit seed: %w", err)
	}
	summary.Duration = l.now().Sub(started)
	l.logger.Info("seed committed", "tables", len(summary.Tables), "rows", summary.Rows(), "duration_ms", summary.Duration.Milliseconds())
	return summary, nil
}

func (l *Loader) loadTable(ctx context.Context, session Session, gen *Generator, table Table, plans []BatchPlan) (TableSummary, error) {
	name := table.QualifiedName()
	columns := table.AllColumns()
	out := TableSummary{Table: name}
	total := 0
	for _, p := range plans {
		total += p.Count
	}
	l.logger.Info("copying table", "table", name, "rows", total, "batches", len(plans))

	var buf bytes.Buffer
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		batch := gen.Batch(table, plan, NewAuditStamp(l.newBatchID(), l.now()))
		buf.Reset()
		if err := EncodeCSV(&buf, batch.Rows); err != nil {
			return out, fmt.Errorf("%s batch %d: %w", name, plan.Index, err)
		}
		n, err := session.CopyCSV(ctx, name, columns, &buf)
		if err != nil {
			return out, fmt.Errorf("%s batch %d: %w", name, plan.Index, err)
		}
		out.Rows += n
		out.Batches++
		l.logger.Info("batch copied", "table", name, "batch", plan.Index, "rows", out.Rows, "of", total)
	}
	return out, nil
}

func (l *Loader) rollback(ctx context.Context, session Session) {
	if err := session.Rollback(context.WithoutCancel(ctx)); err != nil {
		l.logger.Error("rollback failed", "error", err)
	}
}
