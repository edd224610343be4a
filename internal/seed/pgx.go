package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/animus-labs/dqflow/internal/platform/postgres"
)

const tableExistsQuery = `SELECT to_regclass($1)::text`

// PgxConnector opens native pgx connections for COPY and DDL.
type PgxConnector struct {
	cfg postgres.Config
}

func NewPgxConnector(cfg postgres.Config) *PgxConnector {
	return &PgxConnector{cfg: cfg}
}

// Connect opens a connection with an open transaction.
func (c *PgxConnector) Connect(ctx context.Context) (Session, error) {
	conn, err := postgres.Connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("begin seed transaction: %w", err)
	}
	return &pgxSession{conn: conn, tx: tx}, nil
}

// ConnectAutocommit opens a connection without a transaction for DDL.
func (c *PgxConnector) ConnectAutocommit(ctx context.Context) (DDLSession, error) {
	conn, err := postgres.Connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	return &pgxDDLSession{conn: conn}, nil
}

type pgxSession struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

func (s *pgxSession) TableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, s.tx, table)
}

func (s *pgxSession) CopyCSV(ctx context.Context, table string, columns []string, r io.Reader) (int64, error) {
	tag, err := s.conn.PgConn().CopyFrom(ctx, r, copyStatement(table, columns))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgxSession) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

// Rollback after Commit is a no-op.
func (s *pgxSession) Rollback(ctx context.Context) error {
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (s *pgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type pgxDDLSession struct {
	conn *pgx.Conn
}

func (s *pgxDDLSession) Exec(ctx context.Context, sql string) error {
	_, err := s.conn.Exec(ctx, sql)
	return err
}

func (s *pgxDDLSession) TableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, s.conn, table)
}

func (s *pgxDDLSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tableExists(ctx context.Context, q queryRower, table string) (bool, error) {
	var name *string
	if err := q.QueryRow(ctx, tableExistsQuery, table).Scan(&name); err != nil {
		return false, err
	}
	return name != nil, nil
}

// copyStatement builds COPY ... FROM STDIN for csv with empty fields as NULL.
func copyStatement(table string, columns []string) string {
	quoted := make([]string, 0, len(columns))
	for _, c := range columns {
		quoted = append(quoted, pgx.Identifier{c}.Sanitize())
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, NULL '')",
		pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		strings.Join(quoted, ", "),
	)
}
