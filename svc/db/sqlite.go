package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"ciphertoken/pkg/cipher"
	"ciphertoken/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	cleanupBatchSize    = 100
	maxCleanupBatches   = 10000
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
	hash TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	shift INTEGER,
	owner TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	consumed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tokens_owner ON tokens(owner);
CREATE INDEX IF NOT EXISTS idx_tokens_consumed_at ON tokens(consumed_at) WHERE consumed = 1;
`

type SQLite struct {
	db           *sql.DB
	cb           breaker
	queryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN applies the pragmas on every pooled connection instead of only
// the one that happens to run the migration.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_synchronous=FULL"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLite) CreateToken(ctx context.Context, t *domain.Token) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO tokens (hash, algorithm, shift, owner, consumed, created_at) VALUES (?, ?, ?, ?, 0, ?)`
	_, err := s.db.ExecContext(queryCtx, q, t.Hash, string(t.Algorithm), nullShift(t.Shift), t.Owner, t.CreatedAt.UTC())
	if isSQLiteUnique(err) {
		s.cb.record(nil)
		return domain.ErrDuplicateHash
	}
	s.cb.record(err)
	return errors.Wrap(err, "db create token")
}

func (s *SQLite) FindToken(ctx context.Context, hash, owner string) (*domain.Token, error) {
	start := time.Now()
	defer normalizeLookupTime(start)
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT hash, algorithm, shift, owner, consumed, created_at, consumed_at
	FROM tokens WHERE hash = ? AND owner = ?`
	t, err := scanToken(s.db.QueryRowContext(queryCtx, q, hash, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	s.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db find token")
	}
	return t, nil
}

// ConsumeToken flips consumed from 0 to 1 in a single conditional update.
// Exactly one caller can observe a changed row for a given hash.
func (s *SQLite) ConsumeToken(ctx context.Context, hash, owner string, at time.Time) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE tokens SET consumed = 1, consumed_at = ? WHERE hash = ? AND owner = ? AND consumed = 0`
	res, err := s.db.ExecContext(queryCtx, q, at.UTC(), hash, owner)
	s.cb.record(err)
	if err != nil {
		return errors.Wrap(err, "db consume token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db consume rows affected")
	}
	if n != 1 {
		return domain.ErrTokenUsed
	}
	return nil
}

// CleanupConsumed deletes consumed tokens whose consumed_at is before the
// cutoff, in small batches so writers are never blocked for long.
func (s *SQLite) CleanupConsumed(ctx context.Context, before time.Time) (int, error) {
	if err := s.cb.check(); err != nil {
		return 0, err
	}
	total := 0
	for i := 0; i < maxCleanupBatches; i++ {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(queryCtx, `
			DELETE FROM tokens
			WHERE hash IN (
				SELECT hash FROM tokens
				WHERE consumed = 1 AND consumed_at < ?
				LIMIT ?
			)`, before.UTC(), cleanupBatchSize)
		cancel()
		s.cb.record(err)
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < cleanupBatchSize {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return total, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQLite) CreateUser(ctx context.Context, u *domain.User) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, u.ID, u.Username, u.PasswordHash, u.CreatedAt.UTC())
	if isSQLiteUnique(err) {
		s.cb.record(nil)
		return domain.ErrUserExists
	}
	s.cb.record(err)
	return errors.Wrap(err, "db create user")
}

func (s *SQLite) GetUserByName(ctx context.Context, username string) (*domain.User, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var u domain.User
	q := `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`
	err := s.db.QueryRowContext(queryCtx, q, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	s.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get user")
	}
	return &u, nil
}

func (s *SQLite) UserIDExists(ctx context.Context, id string) (bool, error) {
	if err := s.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM users WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	s.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*domain.Token, error) {
	var (
		t          domain.Token
		alg        string
		shift      sql.NullInt64
		consumedAt sql.NullTime
	)
	if err := row.Scan(&t.Hash, &alg, &shift, &t.Owner, &t.Consumed, &t.CreatedAt, &consumedAt); err != nil {
		return nil, err
	}
	t.Algorithm = cipher.Algorithm(alg)
	if shift.Valid {
		n := int(shift.Int64)
		t.Shift = &n
	}
	if consumedAt.Valid {
		ts := consumedAt.Time
		t.ConsumedAt = &ts
	}
	return &t, nil
}

func nullShift(shift *int) sql.NullInt64 {
	if shift == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*shift), Valid: true}
}
