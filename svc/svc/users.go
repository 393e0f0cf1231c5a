package svc

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"ciphertoken/metrics"
	"ciphertoken/pkg/domain"
	"ciphertoken/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 64
	minPasswordLen = 8
	maxPasswordLen = 1024
)

type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUserByName(ctx context.Context, username string) (*domain.User, error)
	UserIDExists(ctx context.Context, id string) (bool, error)
}

type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
	VerifyDummy(ctx context.Context, password string)
}

type TokenIssuer interface {
	Generate(userID string) (string, error)
}

// Users registers accounts and exchanges credentials for bearer tokens.
// The user id inside the token becomes the owner of every hash the caller
// mints.
type Users struct {
	store  UserStore
	hasher PasswordHasher
	issuer TokenIssuer
	now    func() time.Time
}

func NewUsers(store UserStore, hasher PasswordHasher, issuer TokenIssuer) *Users {
	if store == nil || hasher == nil || issuer == nil {
		panic("users service: nil dependency (store, hasher or issuer)")
	}
	return &Users{store: store, hasher: hasher, issuer: issuer, now: time.Now}
}

func (s *Users) Register(ctx context.Context, c domain.Credentials) (string, error) {
	username, err := validateCredentials(c)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetUserByName(ctx, username); err == nil {
		return "", domain.ErrUserExists
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return "", errors.Wrap(err, "lookup user")
	}
	id, err := util.GenID(ctx, s.store.UserIDExists)
	if err != nil {
		return "", errors.Wrap(err, "gen user id")
	}
	hash, err := s.hasher.Hash(ctx, c.Password)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	u := &domain.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	// the unique index catches a concurrent registration of the same name
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			return "", domain.ErrUserExists
		}
		return "", errors.Wrap(err, "create user")
	}
	metrics.UsersRegistered.Inc()
	util.Info().Str("user_id", id).Msg("user registered")
	return s.issue(id)
}

func (s *Users) Login(ctx context.Context, c domain.Credentials) (string, error) {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return "", domain.ErrCredentialsRequired
	}
	username := normalizeUsername(c.Username)
	u, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, domain.ErrUserNotFound) {
		s.hasher.VerifyDummy(ctx, c.Password)
		metrics.LoginFailures.Inc()
		return "", domain.ErrInvalidCredentials
	}
	if err != nil {
		return "", errors.Wrap(err, "lookup user")
	}
	ok, err := s.hasher.Verify(ctx, c.Password, u.PasswordHash)
	if err != nil {
		return "", errors.Wrap(err, "verify password")
	}
	if !ok {
		metrics.LoginFailures.Inc()
		return "", domain.ErrInvalidCredentials
	}
	return s.issue(u.ID)
}

func (s *Users) issue(userID string) (string, error) {
	tok, err := s.issuer.Generate(userID)
	if err != nil {
		return "", errors.Wrap(err, "issue token")
	}
	return tok, nil
}

func normalizeUsername(name string) string {
	return norm.NFKC.String(strings.TrimSpace(name))
}

func validateCredentials(c domain.Credentials) (string, error) {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return "", domain.ErrCredentialsRequired
	}
	username := normalizeUsername(c.Username)
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return "", domain.ErrInvalidUsername
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return "", domain.ErrInvalidUsername
		}
	}
	if len(c.Password) < minPasswordLen || len(c.Password) > maxPasswordLen {
		return "", domain.ErrWeakPassword
	}
	return username, nil
}
