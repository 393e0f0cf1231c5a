package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ciphertoken/cfg"
	"ciphertoken/pkg/secrets"
	"ciphertoken/svc/api"
	"ciphertoken/svc/auth"
	"ciphertoken/svc/cache"
	"ciphertoken/svc/db"
	"ciphertoken/svc/lim"
	"ciphertoken/svc/svc"
	"ciphertoken/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// store is what both database backends provide.
type store interface {
	svc.TokenStore
	svc.UserStore
	svc.ConsumedPurger
	api.Pinger
	Close() error
}

func main() {
	util.InitLog("info", false)
	if f := os.Getenv("ENV_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil {
			util.Fatal().Err(err).Str("file", f).Msg("failed to load env file")
		}
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe(c))
	}
	os.Exit(run(c))
}

// healthProbe opens the configured database and pings it.
func healthProbe(c *cfg.Cfg) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, _, err := openStore(ctx, c)
	if err != nil {
		return 1
	}
	defer s.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
	defer pingCancel()
	if err := s.Ping(pingCtx); err != nil {
		return 1
	}
	return 0
}

func run(c *cfg.Cfg) int {
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting ciphertoken")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sec, err := secrets.NewAdapter(ctx)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize secret provider")
		return 1
	}
	util.Info().Str("providers", sec.Describe()).Msg("secret provider ready")

	hashKey, err := sec.GetSecretBytes(ctx, "TOKEN_HASH_KEY")
	if err != nil {
		util.Error().Err(err).Msg("CRITICAL: failed to load TOKEN_HASH_KEY")
		return 1
	}
	err = util.InitTokenHashKey(hashKey)
	util.Wipe(hashKey)
	if err != nil {
		util.Error().Err(err).Msg("CRITICAL: invalid TOKEN_HASH_KEY")
		return 1
	}

	pepper, err := sec.GetSecretBytes(ctx, "PEPPER")
	if err != nil {
		util.Error().Err(err).Msg("CRITICAL: failed to load PEPPER")
		return 1
	}
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize hasher")
		return 1
	}
	hasher.Start(c.HasherWorkerCount)
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	jwtSecret, err := sec.GetSecretBytes(ctx, "JWT_SECRET")
	if err != nil {
		util.Error().Err(err).Msg("CRITICAL: failed to load JWT_SECRET")
		return 1
	}
	issuer, err := auth.NewIssuer(jwtSecret, c.JWTTTL)
	util.Wipe(jwtSecret)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize token issuer")
		return 1
	}

	st, sqlite, err := openStore(ctx, c)
	if err != nil {
		util.Error().Err(err).Str("driver", c.DatabaseDriver).Msg("failed to initialize database")
		return 1
	}
	defer st.Close()
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")

	var (
		counter   lim.WindowCounter
		tracker   svc.ConsumedTracker
		redisPing api.Pinger
	)
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(ctx, c)
		if err != nil {
			if c.Environment == "production" {
				util.Error().Err(err).Msg("CRITICAL: redis required in production")
				return 1
			}
			util.Warn().Err(err).Msg("redis unavailable, running single-instance")
		} else {
			defer rdb.Close()
			counter, tracker, redisPing = rdb, rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	tokens, err := cache.NewTokens(c.LRUCacheSize, c.TokenCacheTTL)
	if err != nil {
		util.Error().Err(err).Msg("failed to create token cache")
		return 1
	}

	limiter, err := lim.New(c.RateLimit, counter, c.TrustedProxies)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize rate limiter")
		return 1
	}
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	cipherSvc := svc.NewCipher(st, tokens, tracker, c)
	server := api.NewServer(c, api.Deps{
		Cipher:  cipherSvc,
		Users:   svc.NewUsers(st, hasher, issuer),
		Auth:    issuer,
		Limiter: limiter,
		Store:   st,
		Redis:   redisPing,
	})

	var workers sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(ctx)
		}()
	}
	spawn(limiter.Run)
	if sqlite != nil {
		spawn(func(ctx context.Context) { sqlite.RunWALMaintenance(ctx, 0) })
	}
	if c.ConsumedRetention > 0 {
		spawn(svc.NewCleaner(st, c.ConsumedRetention, c.CleanupInterval).Run)
		util.Info().Dur("retention", c.ConsumedRetention).Msg("consumed token cleaner started")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	code := 0
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			code = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	if err := cipherSvc.Shutdown(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("in-flight operations did not drain")
	}
	cancel()
	workers.Wait()
	util.Info().Msg("shutdown complete")
	return code
}

// openStore returns the configured backend. The *db.SQLite is non-nil only
// for the sqlite driver, which needs WAL maintenance.
func openStore(ctx context.Context, c *cfg.Cfg) (store, *db.SQLite, error) {
	switch c.DatabaseDriver {
	case cfg.DriverPostgres:
		p, err := db.NewPostgres(ctx, c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case cfg.DriverSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, errors.Errorf("unsupported database driver %q", c.DatabaseDriver)
}
