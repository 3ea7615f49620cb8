package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/ekaya-inc/ekaya-clinical/pkg/config"
)

// OpenSQLServer opens the SQL Server database holding source records.
func OpenSQLServer(ctx context.Context, cfg *config.SourceConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", cfg.SQLServerURL())
	if err != nil {
		return nil, fmt.Errorf("open SQL Server source connection: %w", err)
	}

	// Source reads are one query at a time.
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQL Server source: %w", err)
	}
	return db, nil
}
