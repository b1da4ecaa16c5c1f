package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
)

// OpenSQLServer opens a database/sql handle on the "sqlserver" driver and
// verifies the connection.
func OpenSQLServer(ctx context.Context, databaseURL string, maxConns, minConns int) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlserver", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open sql server: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sql server: %w", err)
	}

	return sqlDB, nil
}
