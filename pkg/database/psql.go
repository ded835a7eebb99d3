package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" database/sql driver
)

// PostgresDSN build a postgres url
func PostgresDSN(host string, port int, user, password, dbName, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", user, password, host, port, dbName, sslMode)
}

// NewDatabaseConnection create a new postgreSQL connection, retry until ping succeeds
func NewDatabaseConnection(d Connection) (*sql.DB, error) {
	db, err := sql.Open("pgx", d.ConnectStr)
	if err != nil {
		return nil, err
	}

	err = d.Retry.Do("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
