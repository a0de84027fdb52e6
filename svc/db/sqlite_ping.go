package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

// OpenReadOnly opens path without migrating it, for probes that must not
// create or modify the database.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=1000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite read-only")
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
