package expose

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/benchctl/internal/auth"
	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/observability"
	"github.com/danmuck/benchctl/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrAuxNotFound = errors.New("auxiliary not found")

type Config struct {
	Addr        string
	CORSOrigins []string
	// CommandTimeout bounds ping and send requests made over HTTP.
	CommandTimeout time.Duration
	// Validator, when set, checks the bearer token of every POST. Token
	// is the shorthand for a single static token.
	Validator auth.Validator
	Token     string
}

func (c Config) validator() auth.Validator {
	if c.Validator != nil {
		return c.Validator
	}
	if c.Token != "" {
		return auth.StaticToken{Token: c.Token}
	}
	return nil
}

type Server struct {
	Bench   string
	Started time.Time

	cfg      Config
	registry *registry.Registry
	router   *gin.Engine
	http     *http.Server
}

func New(bench string, reg *registry.Registry, cfg Config) *Server {
	observability.RegisterMetrics()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(bench))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Bench:    bench,
		Started:  time.Now(),
		cfg:      cfg,
		registry: reg,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"bench":  s.Bench,
			"run":    s.registry.RunID(),
			"uptime": time.Since(s.Started).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/auxiliaries", s.listAuxiliaries)
	r.GET("/auxiliaries/:name", s.getAuxiliary)
	r.GET("/auxiliaries/:name/reports", s.nextReport)
	r.GET("/auxiliaries/:name/callbacks", s.callbacks)
	r.GET("/auxiliaries/:name/messages/:message", s.lastMessage)

	w := r.Group("/")
	if v := s.cfg.validator(); v != nil {
		w.Use(requireToken(v))
	}
	for _, action := range []string{"start", "stop", "suspend", "resume", "reset", "abort"} {
		w.POST("/auxiliaries/:name/"+action, s.lifecycle(action))
	}
	w.POST("/auxiliaries/:name/ping", s.ping)
	w.POST("/auxiliaries/:name/messages/:message", s.sendMessage)
	r.GET("/bindings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bindings": bindingInfos(s.registry.Bindings())})
	})
}

// Serve listens until ctx is cancelled, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("bench", s.Bench).Str("addr", s.cfg.Addr).Msg("expose: listening")
		errc <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdown); err != nil {
		return err
	}
	log.Info().Str("bench", s.Bench).Msg("expose: stopped")
	return nil
}

func (s *Server) aux(c *gin.Context) (*auxiliary.Auxiliary, bool) {
	name := c.Param("name")
	a, ok := s.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrAuxNotFound.Error(), "name": name})
		return nil, false
	}
	return a, true
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || v.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
