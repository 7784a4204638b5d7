package server

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/outbound-gateway/internal/config"
	"github.com/aman-churiwal/outbound-gateway/internal/dispatch"
	"github.com/aman-churiwal/outbound-gateway/internal/handler"
	"github.com/aman-churiwal/outbound-gateway/internal/middleware"
	"github.com/aman-churiwal/outbound-gateway/internal/models"
	"github.com/aman-churiwal/outbound-gateway/internal/ratelimit"
	"github.com/aman-churiwal/outbound-gateway/internal/repository"
	"github.com/aman-churiwal/outbound-gateway/internal/service"
	"github.com/aman-churiwal/outbound-gateway/internal/storage"
	"github.com/aman-churiwal/outbound-gateway/internal/upstream"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router      *gin.Engine
	config      *config.Config
	redis       *storage.RedisClient
	postgres    *storage.Postgres
	dispatchers map[string]*dispatch.Dispatcher
	probes      []*upstream.Probe

	apiKeyService *service.APIKeyService
	authService   *service.AuthService

	dispatchHandler *handler.DispatchHandler
	systemHandler   *handler.SystemHandler
	apiKeyHandler   *handler.APIKeyHandler
	authHandler     *handler.AuthHandler
	metricsHandler  *handler.MetricsHandler

	httpServer *http.Server
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Persistence services
	apiKeyRepo := repository.NewAPIKeyRepository(postgres)
	apiKeyService := service.NewAPIKeyService(postgres, apiKeyRepo, redis)

	authRepo := repository.NewUserRepository(postgres)
	authService := service.NewAuthService(authRepo, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours)

	dispatchLogRepo := repository.NewDispatchLogRepository(postgres)
	metricsService := service.NewMetricsService(postgres, dispatchLogRepo)

	s := &Server{
		router:        router,
		config:        cfg,
		redis:         redis,
		postgres:      postgres,
		dispatchers:   make(map[string]*dispatch.Dispatcher),
		apiKeyService: apiKeyService,
		authService:   authService,
	}

	// One dispatcher per configured upstream service
	s.initializeDispatchers(dispatchLogRepo)

	s.dispatchHandler = handler.NewDispatchHandler(s.dispatchers)
	s.systemHandler = handler.NewSystemHandler(s.dispatchers, redis, postgres)
	s.apiKeyHandler = handler.NewAPIKeyHandler(apiKeyService)
	s.authHandler = handler.NewAuthHandler(authService)
	s.metricsHandler = handler.NewMetricsHandler(metricsService)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) initializeDispatchers(logRepo *repository.DispatchLogRepository) {
	bucket := ratelimit.NewTokenBucket(s.redis)
	client := upstream.NewClient()

	for _, svc := range s.config.Services {
		base, err := url.Parse(svc.BaseURL)
		if err != nil || base.Host == "" {
			log.Printf("Invalid base_url for service %s: %v", svc.Name, err)
			continue
		}

		extractor := &ratelimit.KeyExtractor{Host: base.Host}
		discovery := ratelimit.NewDiscovery(s.redis, bucket, svc.LimitHeader, svc.SafetyFactor)
		breaker := circuitbreaker.New(s.redis, circuitbreaker.Config{
			FailureThreshold: svc.Breaker.FailureThreshold,
			Cooldown:         time.Duration(svc.Breaker.CooldownSeconds) * time.Second,
			MaxCooldown:      time.Duration(svc.Breaker.MaxCooldown) * time.Second,
		})

		d := dispatch.New(svc, extractor, bucket, discovery, breaker, client)
		d.SetAuditSink(auditSink(logRepo))
		d.Start()

		s.dispatchers[svc.Name] = d
		log.Printf("Initialized dispatcher for %s -> %s (%d workers, queue depth %d)",
			svc.Name, svc.BaseURL, svc.Workers, svc.QueueDepth)

		if svc.HealthPath != "" {
			probe := upstream.NewProbe(upstream.ProbeConfig{
				Service:  svc.Name,
				URL:      svc.BaseURL + svc.HealthPath,
				Interval: time.Duration(svc.HealthIntervalSeconds) * time.Second,
			}, breaker)
			probe.Start()
			s.probes = append(s.probes, probe)
		}
	}
}

// Persists resolved dispatch records
func auditSink(repo *repository.DispatchLogRepository) dispatch.AuditSink {
	return func(entry dispatch.AuditEntry) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		record := models.DispatchLog{
			RequestID:     entry.RequestID,
			APIKeyID:      entry.APIKeyID,
			Timestamp:     time.Now(),
			Service:       entry.Service,
			EndpointKey:   entry.EndpointKey,
			Method:        entry.Method,
			URL:           entry.URL,
			StatusCode:    entry.StatusCode,
			Outcome:       entry.Outcome,
			Attempts:      entry.Attempts,
			QueueWaitMs:   int(entry.QueueWait.Milliseconds()),
			AcquireWaitMs: int(entry.AcquireWait.Milliseconds()),
			CallTimeMs:    int(entry.CallTime.Milliseconds()),
		}

		if err := repo.Create(ctx, &record); err != nil {
			log.Printf("Failed to persist dispatch log for %s: %v", entry.RequestID, err)
		}
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.systemHandler.Health)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
		auth.GET("/me", middleware.RequireAuth(s.authService), s.authHandler.Me)
	}

	// Dispatch surface is gated by API key
	api := s.router.Group("/", middleware.APIKeyValidator(s.apiKeyService))
	{
		api.POST("/dispatch", s.dispatchHandler.Dispatch)
		api.POST("/dispatch/async", s.dispatchHandler.DispatchAsync)
		api.GET("/dispatch/:id", s.dispatchHandler.GetDispatch)
		api.DELETE("/dispatch/:id", s.dispatchHandler.CancelDispatch)
	}

	// Admin surface requires a JWT; mutations require the admin role
	admin := s.router.Group("/admin", middleware.RequireAuth(s.authService))
	adminOnly := middleware.RequireRole(models.RoleAdmin)
	{
		admin.GET("/status", s.systemHandler.Status)
		admin.GET("/breakers", s.systemHandler.CircuitBreakerStatus)
		admin.POST("/breakers/:service/reset", adminOnly, s.systemHandler.ResetCircuitBreaker)
		admin.GET("/limits", s.systemHandler.EndpointLimits)

		admin.GET("/metrics", s.metricsHandler.GetSummary)
		admin.GET("/metrics/:service", s.metricsHandler.GetServiceDispatches)

		admin.POST("/keys", adminOnly, s.apiKeyHandler.Create)
		admin.GET("/keys", s.apiKeyHandler.List)
		admin.GET("/keys/:id", s.apiKeyHandler.Get)
		admin.PATCH("/keys/:id", adminOnly, s.apiKeyHandler.Update)
		admin.DELETE("/keys/:id", adminOnly, s.apiKeyHandler.Delete)
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // sync dispatches can wait in queue
		IdleTimeout:  15 * time.Second,
	}

	log.Printf("Starting outbound gateway on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	for _, probe := range s.probes {
		probe.Stop()
	}
	s.dispatchHandler.Close()

	// Stop dispatchers after the HTTP surface so no new submissions race
	// the queue drain
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	for _, d := range s.dispatchers {
		d.Stop()
	}

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
