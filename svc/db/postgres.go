package db

import (
	"context"
	"database/sql"
	"time"

	"ciphertoken/pkg/domain"
	"ciphertoken/svc/db/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

const pgUniqueViolation = "23505"

// Postgres is the multi-instance token and user store. Its queries mirror
// the SQLite store; the consume CAS relies on row-level locking instead of
// the database-wide write lock.
type Postgres struct {
	db           *sql.DB
	cb           breaker
	queryTimeout time.Duration
}

var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func NewPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return NewPostgresFromDB(db, queryTimeout), nil
}

func NewPostgresFromDB(db *sql.DB, queryTimeout time.Duration) *Postgres {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Postgres{db: db, queryTimeout: queryTimeout}
}

// RunMigrations applies the embedded schema with goose.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Postgres)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) CreateToken(ctx context.Context, t *domain.Token) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `INSERT INTO tokens (hash, algorithm, shift, owner, consumed, created_at) VALUES ($1, $2, $3, $4, FALSE, $5)`
	_, err := p.db.ExecContext(queryCtx, q, t.Hash, string(t.Algorithm), nullShift(t.Shift), t.Owner, t.CreatedAt.UTC())
	if isPgUnique(err) {
		p.cb.record(nil)
		return domain.ErrDuplicateHash
	}
	p.cb.record(err)
	return errors.Wrap(err, "db create token")
}

func (p *Postgres) FindToken(ctx context.Context, hash, owner string) (*domain.Token, error) {
	start := time.Now()
	defer normalizeLookupTime(start)
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `SELECT hash, algorithm, shift, owner, consumed, created_at, consumed_at
	FROM tokens WHERE hash = $1 AND owner = $2`
	t, err := scanToken(p.db.QueryRowContext(queryCtx, q, hash, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	p.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db find token")
	}
	return t, nil
}

func (p *Postgres) ConsumeToken(ctx context.Context, hash, owner string, at time.Time) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `UPDATE tokens SET consumed = TRUE, consumed_at = $1 WHERE hash = $2 AND owner = $3 AND consumed = FALSE`
	res, err := p.db.ExecContext(queryCtx, q, at.UTC(), hash, owner)
	p.cb.record(err)
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

func (p *Postgres) CleanupConsumed(ctx context.Context, before time.Time) (int, error) {
	if err := p.cb.check(); err != nil {
		return 0, err
	}
	total := 0
	for i := 0; i < maxCleanupBatches; i++ {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		res, err := p.db.ExecContext(queryCtx, `
			DELETE FROM tokens
			WHERE hash IN (
				SELECT hash FROM tokens
				WHERE consumed AND consumed_at < $1
				LIMIT $2
			)`, before.UTC(), cleanupBatchSize)
		cancel()
		p.cb.record(err)
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < cleanupBatchSize {
			return total, nil
		}
	}
	return total, errors.New("cleanup hit iteration limit, more records may exist")
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.ExecContext(queryCtx, q, u.ID, u.Username, u.PasswordHash, u.CreatedAt.UTC())
	if isPgUnique(err) {
		p.cb.record(nil)
		return domain.ErrUserExists
	}
	p.cb.record(err)
	return errors.Wrap(err, "db create user")
}

func (p *Postgres) GetUserByName(ctx context.Context, username string) (*domain.User, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var u domain.User
	q := `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`
	err := p.db.QueryRowContext(queryCtx, q, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	p.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get user")
	}
	return &u, nil
}

func (p *Postgres) UserIDExists(ctx context.Context, id string) (bool, error) {
	if err := p.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.db.QueryRowContext(queryCtx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	p.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.cb.open() {
		return ErrCircuitOpen
	}
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
