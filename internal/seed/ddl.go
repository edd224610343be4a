package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
)

//go:embed bronze.sql
var bronzeDDL string

// DDLSession runs statements outside a transaction.
type DDLSession interface {
	Exec(ctx context.Context, sql string) error
	TableExists(ctx context.Context, table string) (bool, error)
	Close(ctx context.Context) error
}

// CreateTables applies the idempotent bronze DDL and confirms every table
// is visible afterwards.
func CreateTables(ctx context.Context, session DDLSession, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if closeErr := session.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = fmt.Errorf("close ddl session: %w", closeErr)
		}
		logger.Info("ddl session closed")
	}()

	logger.Info("applying bronze ddl", "tables", len(Tables()))
	if err := session.Exec(ctx, bronzeDDL); err != nil {
		return fmt.Errorf("apply bronze ddl: %w", err)
	}
	var missing []string
	for _, name := range TableNames() {
		exists, err := session.TableExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check table %s: %w", name, err)
		}
		if !exists {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingTablesError{Tables: missing}
	}
	logger.Info("bronze tables ready")
	return nil
}
