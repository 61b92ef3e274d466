package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/docs"
	"github.com/vidrelay/vidrelay/internal/httputil"
	"github.com/vidrelay/vidrelay/internal/ratelimit"
	"github.com/vidrelay/vidrelay/internal/validate"
	"github.com/vidrelay/vidrelay/internal/video"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// RateLimits are requests per second and burst sizes per client address.
type RateLimits struct {
	WebhookRPS   float64
	WebhookBurst int
	UserRPS      float64
	UserBurst    int
}

func DefaultRateLimits() RateLimits {
	return RateLimits{WebhookRPS: 20, WebhookBurst: 100, UserRPS: 2, UserBurst: 10}
}

type Config struct {
	Pinger       Pinger
	VideoHandler *video.Handler
	JWTSecret    string
	BaseURL      string
	RateLimits   RateLimits
}

type Server struct {
	router       chi.Router
	pinger       Pinger
	authHandler  *auth.Handler
	videoHandler *video.Handler
	limits       RateLimits
	limiters     []*ratelimit.Limiter
}

// New builds the router. Video routes are only mounted when a video handler
// is configured, which also requires a JWT secret.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{BaseURL: cfg.BaseURL}))

	limits := cfg.RateLimits
	if limits == (RateLimits{}) {
		limits = DefaultRateLimits()
	}

	s := &Server{
		router:       r,
		pinger:       cfg.Pinger,
		videoHandler: cfg.VideoHandler,
		limits:       limits,
	}
	if cfg.VideoHandler != nil && cfg.JWTSecret != "" {
		s.authHandler = auth.NewHandler(cfg.JWTSecret)
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' background eviction.
func (s *Server) Close() {
	for _, l := range s.limiters {
		l.Close()
	}
}

func (s *Server) newLimiter(rps float64, burst int) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(rps, burst)
	s.limiters = append(s.limiters, l)
	return l
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", handleLimits)
	docs.Mount(s.router)

	if s.videoHandler == nil {
		return
	}

	webhookLimiter := s.newLimiter(s.limits.WebhookRPS, s.limits.WebhookBurst)
	s.router.With(webhookLimiter.Middleware).Post("/api/webhooks/{provider}", s.videoHandler.ProviderWebhook)
	s.router.Get("/api/feed", s.videoHandler.ListFeed)

	if s.authHandler == nil {
		s.viewerRoutes(s.router)
		return
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.authHandler.OptionalMiddleware)
		s.viewerRoutes(r)
	})

	userLimiter := s.newLimiter(s.limits.UserRPS, s.limits.UserBurst)
	s.router.Group(func(r chi.Router) {
		r.Use(userLimiter.Middleware)
		r.Use(s.authHandler.Middleware)
		r.Post("/api/uploads", s.videoHandler.InitiateUpload)
		r.Post("/api/videos/{id}/like", s.videoHandler.LikeVideo)
		r.Post("/api/videos/{id}/comments", s.videoHandler.PostComment)
		r.Delete("/api/comments/{id}", s.videoHandler.DeleteComment)
		r.Post("/api/users/{id}/follow", s.videoHandler.FollowUser)
	})
}

// viewerRoutes are readable anonymously; a signed-in viewer also sees their
// own private and unfinished videos.
func (s *Server) viewerRoutes(r chi.Router) {
	r.Get("/api/videos/{id}", s.videoHandler.WatchVideo)
	r.Get("/api/videos/{id}/comments", s.videoHandler.ListComments)
	r.Get("/api/search", s.videoHandler.Search)
	r.Get("/api/users/{handle}", s.videoHandler.CreatorProfile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleLimits(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
}
