package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yuan-cloud/resofleur/pkg/audit"
	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/hardening"
	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/metrics"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/ratelimit"
	"github.com/yuan-cloud/resofleur/pkg/resolume"
	"github.com/yuan-cloud/resofleur/pkg/store"
	"github.com/yuan-cloud/resofleur/pkg/stream"
	"github.com/yuan-cloud/resofleur/pkg/telemetry"
)

type Server struct {
	Users               userStore
	Configs             configStore
	Scenes              sceneStore
	Audit               auditTrail
	Engine              *resolume.Engine
	Cache               store.Cache
	StatusProbeTTL      time.Duration
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	AuthAttemptsPerWin  int
	JWTSecret           string
	TokenTTL            time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type userStore interface {
	Create(ctx context.Context, u models.User) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
}

type configStore interface {
	List(ctx context.Context, userID string) ([]models.Configuration, error)
	GetActive(ctx context.Context, userID string) (models.Configuration, error)
	GetAnyActive(ctx context.Context) (models.Configuration, error)
	Create(ctx context.Context, cfg models.Configuration) error
	Activate(ctx context.Context, userID, configID string) error
	Delete(ctx context.Context, userID, configID string) error
	CountForUser(ctx context.Context, userID string) (int, error)
}

type sceneStore interface {
	List(ctx context.Context, userID string) ([]models.PresetScene, error)
	Create(ctx context.Context, sc models.PresetScene) error
	Delete(ctx context.Context, userID, sceneID string) error
}

type auditTrail interface {
	Append(ctx context.Context, e audit.Entry) error
	ListForUser(ctx context.Context, userID string, limit int) ([]audit.Entry, error)
}

type gatewayDBCloser interface {
	store.DB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	loadDotenv()
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("resofleur: %v", err)
	}
}

func loadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "resofleur")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	jwtSecret := env("JWT_SECRET", "")
	if strings.TrimSpace(jwtSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "resofleur",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		JWTSecret:          jwtSecret,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	upstreamTimeout := time.Second * time.Duration(envInt("RESOLUME_TIMEOUT_SEC", 10))
	upstreamClient := resolume.NewClient(upstreamTimeout)
	upstreamClient.HTTP = telemetry.InstrumentClient(upstreamClient.HTTP)
	configs := &store.ConfigStore{DB: pool}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Users:   &store.UserStore{DB: pool},
		Configs: configs,
		Scenes:  &store.SceneStore{DB: pool},
		Audit:   &audit.Writer{DB: pool},
		Engine: &resolume.Engine{
			Resolver: &resolume.Resolver{Configs: configs},
			Client:   upstreamClient,
		},
		Cache:               store.NewCache(ctx, redisClient),
		StatusProbeTTL:      envDurationSec("STATUS_PROBE_TTL_SEC", 5),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		AuthAttemptsPerWin:  envInt("AUTH_RATE_LIMIT_PER_WINDOW", 20),
		JWTSecret:           jwtSecret,
		TokenTTL:            time.Hour * time.Duration(envInt("TOKEN_TTL_HOURS", 24)),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	rateLimitWindow := envDurationSec("AUTH_RATE_LIMIT_WINDOW_SEC", 60)
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8000")
	log.Printf("resofleur listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("resofleur"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"service": "resofleur", "message": "Resolume cloud control gateway"})
	})
	r.Get("/health", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/debug/routes", s.handleDebugRoutes(r))

	r.Post("/api/auth/register", s.withAuthRateLimit(s.handleRegister))
	r.Post("/api/auth/login", s.withAuthRateLimit(s.handleLogin))

	// Thumbnails are served without a token so dashboards can embed them in
	// plain <img> tags.
	r.Get("/api/resolume/composition/layers/{layer}/clips/{clip}/thumbnail", s.handleClipThumbnail)

	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(s.JWTSecret))
		pr.Get("/api/auth/me", s.handleMe)

		pr.Get("/api/resolume/config", s.handleGetActiveConfig)
		pr.Get("/api/resolume/configs", s.handleListConfigs)
		pr.Post("/api/resolume/config", s.handleCreateConfig)
		pr.Delete("/api/resolume/config/{id}", s.handleDeleteConfig)
		pr.Put("/api/resolume/config/{id}/activate", s.handleActivateConfig)
		pr.Get("/api/resolume/status", s.handleStatus)

		pr.Get("/api/resolume/composition/tempo/bpm", s.handleGetTempo)
		pr.Post("/api/resolume/composition/tempo/bpm", s.handleSetTempo)
		pr.Get("/api/resolume/composition/layers/{layer}/video/opacity", s.handleGetOpacity)
		pr.Post("/api/resolume/composition/layers/{layer}/video/opacity", s.handleSetOpacity)
		pr.Get("/api/resolume/composition/layers/{layer}/clips", s.handleListClips)
		pr.Post("/api/resolume/composition/layers/{layer}/clips/{clip}/connect", s.handleConnectClip)
		pr.Post("/api/resolume/composition/layers/{layer}/clips/{clip}/transport/position", s.handleSetClipPosition)
		pr.Post("/api/resolume/composition/layers/{layer}/clear", s.handleClearLayer)

		pr.Get("/api/resolume/audit", s.handleAuditTrail)
		pr.Get("/api/resolume/events", s.streamEvents)

		pr.Get("/api/resolume/scenes", s.handleListScenes)
		pr.Post("/api/resolume/scenes", s.handleCreateScene)
		pr.Delete("/api/resolume/scenes/{id}", s.handleDeleteScene)

		pr.Get("/api/metrics", s.Metrics.Handler())
		pr.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "resofleur"})
}

// handleDebugRoutes lists the mounted routes, mirroring the route dump the
// service exposes for quick frontend debugging.
func (s *Server) handleDebugRoutes(router chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var routes []map[string]string
		_ = chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, map[string]string{"method": method, "path": route})
			return nil
		})
		httpx.WriteJSON(w, 200, map[string]interface{}{"routes": routes})
	}
}

func (s *Server) withAuthRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		d := s.RateLimiter.Allow("auth:"+s.clientIP(r), s.AuthAttemptsPerWin)
		ratelimit.SetHeaders(w, d)
		if !d.Allowed {
			httpx.ErrorKind(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts, try again later")
			return
		}
		h(w, r)
	}
}

// writeFault translates a failure into the single boundary mapping: one
// status per kind, detail text but never internals.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	httpx.ErrorKind(w, status, string(fault.KindOf(err)), fault.Detail(err))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Events != nil {
				s.Metrics.SetGauge("event_subscribers", float64(s.Events.SubscriberCount()))
			}
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
