package api

import (
	"context"
	"net/http"
	"time"

	"ciphertoken/cfg"
	"ciphertoken/svc/lim"
	"ciphertoken/svc/svc"
	"ciphertoken/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

const maxAuthBody = 16 * 1024

// Deps is everything the router needs. Redis may be nil.
type Deps struct {
	Cipher  *svc.Cipher
	Users   *svc.Users
	Auth    Authenticator
	Limiter *lim.Limiter
	Store   Pinger
	Redis   Pinger
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      Pinger
	redis      Pinger
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, d.Auth, c)
	s := &Server{
		router: r,
		cfg:    c,
		store:  d.Store,
		redis:  d.Redis,
	}
	// preflights never match a route, so CORS sits on the root mux
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.Observe)

		ah := &AuthHdl{users: d.Users}
		r.Group(func(r chi.Router) {
			r.Use(mw.JSONBody(maxAuthBody))
			r.Use(mw.RateLimit(lim.ClassAuth))
			r.Post("/auth/register", ah.Register)
			r.Post("/auth/login", ah.Login)
		})

		hdl := &Hdl{cipher: d.Cipher}
		r.With(mw.RateLimit(lim.ClassRead)).Get("/cipher/methods", hdl.Methods)
		r.Group(func(r chi.Router) {
			// ciphertext may be up to 2x the message once JSON-escaped
			r.Use(mw.JSONBody(2*c.MaxMessageSize + 4096))
			r.Use(mw.Authenticate)
			r.With(mw.RateLimit(lim.ClassEncrypt)).Post("/cipher/encrypt", hdl.Encrypt)
			r.With(mw.RateLimit(lim.ClassDecrypt)).Post("/cipher/decrypt", hdl.Decrypt)
		})
	})
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
