package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ciphertoken/pkg/cipher"
	"ciphertoken/pkg/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
)

func newPostgresMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db, time.Second), mock
}

func TestPostgresCreateToken(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectExec(`INSERT INTO tokens`).
		WithArgs("h1", "caesar", int64(3), "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.CreateToken(context.Background(), testToken("h1", "alice")); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCreateTokenDuplicate(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectExec(`INSERT INTO tokens`).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	err := p.CreateToken(context.Background(), testToken("h1", "alice"))
	if !errors.Is(err, domain.ErrDuplicateHash) {
		t.Fatalf("err = %v, want ErrDuplicateHash", err)
	}
}

func TestPostgresFindToken(t *testing.T) {
	p, mock := newPostgresMock(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"hash", "algorithm", "shift", "owner", "consumed", "created_at", "consumed_at"}).
		AddRow("h1", "rot13", nil, "alice", false, now, nil)
	mock.ExpectQuery(`SELECT .* FROM tokens WHERE hash = \$1 AND owner = \$2`).
		WithArgs("h1", "alice").
		WillReturnRows(rows)
	got, err := p.FindToken(context.Background(), "h1", "alice")
	if err != nil {
		t.Fatalf("FindToken: %v", err)
	}
	if got.Algorithm != cipher.ROT13 || got.Shift != nil || got.Consumed {
		t.Errorf("unexpected token: %+v", got)
	}
}

func TestPostgresFindTokenMissing(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectQuery(`SELECT .* FROM tokens`).
		WithArgs("h1", "bob").
		WillReturnError(sql.ErrNoRows)
	if _, err := p.FindToken(context.Background(), "h1", "bob"); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestPostgresConsume(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectExec(`UPDATE tokens SET consumed = TRUE.*consumed = FALSE`).
		WithArgs(sqlmock.AnyArg(), "h1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tokens SET consumed = TRUE.*consumed = FALSE`).
		WithArgs(sqlmock.AnyArg(), "h1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := p.ConsumeToken(context.Background(), "h1", "alice", time.Now()); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := p.ConsumeToken(context.Background(), "h1", "alice", time.Now()); !errors.Is(err, domain.ErrTokenUsed) {
		t.Fatalf("second consume = %v, want ErrTokenUsed", err)
	}
}

func TestPostgresCreateUserDuplicate(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	u := &domain.User{ID: "u1", Username: "alice", PasswordHash: "x", CreatedAt: time.Now()}
	if err := p.CreateUser(context.Background(), u); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("err = %v, want ErrUserExists", err)
	}
}

func TestPostgresStorageErrorWrapped(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectQuery(`SELECT id, username`).
		WithArgs("alice").
		WillReturnError(errors.New("connection reset"))
	_, err := p.GetUserByName(context.Background(), "alice")
	if err == nil || domain.Status(err) != 500 {
		t.Fatalf("err = %v, want storage error", err)
	}
}

func TestPostgresCleanupConsumed(t *testing.T) {
	p, mock := newPostgresMock(t)
	mock.ExpectExec(`DELETE FROM tokens`).
		WithArgs(sqlmock.AnyArg(), cleanupBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := p.CleanupConsumed(context.Background(), time.Now())
	if err != nil || n != 7 {
		t.Fatalf("CleanupConsumed = %d, %v", n, err)
	}
}

func TestRunMigrationsUsesEmbeddedFS(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()
	called := false
	gooseUpContext = func(ctx context.Context, d *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		called = true
		if dir != "." {
			t.Errorf("dir = %q", dir)
		}
		return nil
	}
	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if !called {
		t.Fatal("goose was not invoked")
	}
}
