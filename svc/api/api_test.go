package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ciphertoken/cfg"
	"ciphertoken/svc/auth"
	"ciphertoken/svc/cache"
	"ciphertoken/svc/db"
	"ciphertoken/svc/lim"
	"ciphertoken/svc/svc"
	"ciphertoken/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := util.InitTokenHashKey([]byte("api-test-hash-key-0123456789abcdefghijkl")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		MaxMessageSize: 1024,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://app.example"},
		RateLimit:      cfg.RateLimitCfg{RPM: 1000, Burst: 1000, ConservativeLimit: 1000},
	}
}

func newServer(t *testing.T, c *cfg.Cfg) *Server {
	t.Helper()
	s, _ := newStack(t, c)
	return s
}

func newStack(t *testing.T, c *cfg.Cfg) (*Server, *db.SQLite) {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := auth.NewHasher(1, 1024, 1, []byte(strings.Repeat("p", 32)))
	require.NoError(t, err)
	h.SetMinVerifyDuration(0)
	h.Start(2)
	t.Cleanup(h.Stop)
	iss, err := auth.NewIssuer([]byte(strings.Repeat("j", 32)), time.Hour)
	require.NoError(t, err)

	tokens, err := cache.NewTokens(100, time.Minute)
	require.NoError(t, err)
	l, err := lim.New(c.RateLimit, nil, nil)
	require.NoError(t, err)

	return NewServer(c, Deps{
		Cipher:  svc.NewCipher(store, tokens, nil, c),
		Users:   svc.NewUsers(store, h, iss),
		Auth:    iss,
		Limiter: l,
		Store:   store,
	}), store
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func register(t *testing.T, s *Server, name string) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/auth/register", "", `{"username":"`+name+`","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok, _ := decode(t, rec)["token"].(string)
	require.NotEmpty(t, tok)
	return tok
}

func TestEncryptDecryptFlow(t *testing.T) {
	s := newServer(t, testCfg())
	tok := register(t, s, "alice")

	rec := do(t, s, http.MethodPost, "/cipher/encrypt", tok, `{"message":"hello123","shift":3,"method":"caesar"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	enc := decode(t, rec)
	assert.Equal(t, "khoor456", enc["encrypted"])
	assert.Equal(t, "caesar", enc["method"])
	hash, _ := enc["hash"].(string)
	require.Len(t, hash, 64)

	body := `{"encrypted":"khoor456","hash":"` + hash + `"}`
	rec = do(t, s, http.MethodPost, "/cipher/decrypt", tok, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello123", decode(t, rec)["decrypted"])

	rec = do(t, s, http.MethodPost, "/cipher/decrypt", tok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Hash already used", decode(t, rec)["message"])
}

func TestLoginIssuesUsableToken(t *testing.T) {
	s := newServer(t, testCfg())
	register(t, s, "bob")

	rec := do(t, s, http.MethodPost, "/auth/login", "", `{"username":"bob","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok, _ := decode(t, rec)["token"].(string)

	rec = do(t, s, http.MethodPost, "/cipher/encrypt", tok, `{"message":"hi","method":"rot13"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuthErrors(t *testing.T) {
	s := newServer(t, testCfg())
	register(t, s, "carol")

	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		msg    string
	}{
		{"duplicate user", "/auth/register", "", `{"username":"carol","password":"another-pass"}`, http.StatusConflict, "User already exists"},
		{"missing fields", "/auth/register", "", `{"username":"dave"}`, http.StatusBadRequest, "Username and password are required"},
		{"wrong password", "/auth/login", "", `{"username":"carol","password":"wrong-pass"}`, http.StatusUnauthorized, "Invalid credentials"},
		{"unknown user", "/auth/login", "", `{"username":"nobody","password":"s3cret-pass"}`, http.StatusUnauthorized, "Invalid credentials"},
		{"no bearer", "/cipher/encrypt", "", `{"message":"x","method":"rot13"}`, http.StatusUnauthorized, "Authorization header missing"},
		{"bad bearer", "/cipher/encrypt", "not.a.jwt", `{"message":"x","method":"rot13"}`, http.StatusUnauthorized, "Invalid or expired token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.msg, decode(t, rec)["message"])
		})
	}
}

func TestEncryptValidation(t *testing.T) {
	s := newServer(t, testCfg())
	tok := register(t, s, "erin")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"integral float shift", `{"message":"abc","shift":3.0}`, http.StatusOK},
		{"negative shift", `{"message":"abc","shift":-40,"method":"caesar"}`, http.StatusOK},
		{"string shift", `{"message":"abc","shift":"3","method":"caesar"}`, http.StatusBadRequest},
		{"fractional shift", `{"message":"abc","shift":2.5,"method":"caesar"}`, http.StatusBadRequest},
		{"missing shift", `{"message":"abc","method":"caesar"}`, http.StatusBadRequest},
		{"shift ignored by atbash", `{"message":"abc","shift":"x","method":"atbash"}`, http.StatusOK},
		{"unknown method", `{"message":"abc","method":"vigenere"}`, http.StatusBadRequest},
		{"empty message", `{"message":"","method":"base64"}`, http.StatusBadRequest},
		{"blank message", `{"message":"   ","method":"rot13"}`, http.StatusBadRequest},
		{"extreme shift", `{"message":"abc","shift":-9223372036854775808}`, http.StatusOK},
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", 1025) + `","method":"rot13"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/cipher/encrypt", tok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestDecryptByOtherOwnerIsNotFound(t *testing.T) {
	s := newServer(t, testCfg())
	alice := register(t, s, "alice")
	mallory := register(t, s, "mallory")

	rec := do(t, s, http.MethodPost, "/cipher/encrypt", alice, `{"message":"secret","method":"atbash"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	enc := decode(t, rec)
	body := `{"encrypted":"` + enc["encrypted"].(string) + `","hash":"` + enc["hash"].(string) + `"}`

	rec = do(t, s, http.MethodPost, "/cipher/decrypt", mallory, body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Hash not found", decode(t, rec)["message"])

	// the owner can still use it
	rec = do(t, s, http.MethodPost, "/cipher/decrypt", alice, body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecryptBadBase64(t *testing.T) {
	s := newServer(t, testCfg())
	tok := register(t, s, "frank")
	rec := do(t, s, http.MethodPost, "/cipher/encrypt", tok, `{"message":"hello","method":"base64"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	hash := decode(t, rec)["hash"].(string)

	rec = do(t, s, http.MethodPost, "/cipher/decrypt", tok, `{"encrypted":"!!!","hash":"`+hash+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Base64 string", decode(t, rec)["message"])

	rec = do(t, s, http.MethodPost, "/cipher/decrypt", tok, `{"encrypted":"aGVsbG8=","hash":"`+hash+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", decode(t, rec)["decrypted"])
}

func TestMethodsCatalogue(t *testing.T) {
	s := newServer(t, testCfg())
	rec := do(t, s, http.MethodGet, "/cipher/methods", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var methods []struct {
		ID            string `json:"id"`
		RequiresShift bool   `json:"requiresShift"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &methods))
	require.Len(t, methods, 4)
	ids := []string{methods[0].ID, methods[1].ID, methods[2].ID, methods[3].ID}
	assert.Equal(t, []string{"caesar", "rot13", "base64", "atbash"}, ids)
	assert.True(t, methods[0].RequiresShift)
	assert.False(t, methods[3].RequiresShift)
}

func TestRejectsNonJSONBody(t *testing.T) {
	s := newServer(t, testCfg())
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("username=a"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAuthRateLimited(t *testing.T) {
	c := testCfg()
	c.RateLimit.ConservativeLimit = 2
	s := newServer(t, c)
	body := `{"username":"ghost","password":"s3cret-pass"}`
	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := do(t, s, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", decode(t, rec)["message"])
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, testCfg())
	req := httptest.NewRequest(http.MethodOptions, "/cipher/encrypt", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/cipher/encrypt", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t, testCfg())
	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, s, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unavailable", decode(t, rec)["cache"])

	s.redis = fakePinger{err: errors.New("connection refused")}
	rec = do(t, s, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode(t, rec)["cache"])
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	s := newServer(t, c)

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ciphertoken_")
}

func TestParseShift(t *testing.T) {
	tests := []struct {
		raw  string
		want int
		ok   bool
	}{
		{"", 0, false},
		{"null", 0, false},
		{"7", 7, true},
		{"-3", -3, true},
		{"3.0", 3, true},
		{"1e2", 100, true},
		{"2.5", 0, false},
		{`"3"`, 0, false},
		{"true", 0, false},
		{"1e300", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseShift(json.RawMessage(tt.raw))
		if ok != tt.ok {
			t.Errorf("parseShift(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			continue
		}
		if ok && *got != tt.want {
			t.Errorf("parseShift(%q) = %d, want %d", tt.raw, *got, tt.want)
		}
	}
}
