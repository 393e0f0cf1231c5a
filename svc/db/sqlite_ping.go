package db

import (
	"context"
)

func (s *SQLite) Ping(ctx context.Context) error {
	if s.cb.open() {
		return ErrCircuitOpen
	}
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
