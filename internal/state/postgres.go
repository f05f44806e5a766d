package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/picklr-io/reconcilr/internal/secrets"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	isConflict: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505" // unique_violation
	},
}

// NewPostgres opens a PostgreSQL-backed Backend and creates its tables.
func NewPostgres(ctx context.Context, dsn string, sealer *secrets.Sealer) (Backend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires 'dsn' configuration")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	b, err := newSQLBackend(ctx, db, postgresDialect, sealer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}
