// Package httpapi exposes the router/cache/pool core over HTTP: the
// optimize endpoint, a health summary, Prometheus exposition, and a
// websocket streaming endpoint (spec §6).
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/adapter"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/health"
	"github.com/relaymux/relaymux/internal/pool"
	"github.com/relaymux/relaymux/internal/router"
	routingerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Config configures the HTTP boundary itself. Bearer-token checks guard
// /api and /ws only when RequireAuth is set and JWTSecret is non-empty;
// otherwise the boundary is open, matching a local/dev deployment.
type Config struct {
	ListenAddr  string
	JWTSecret   string
	RequireAuth bool
}

// MetricsObserver is the narrow slice of metrics.Sink the HTTP boundary
// touches directly, independent of the router/pool Recorder interfaces.
type MetricsObserver interface {
	ObserveCacheHit()
	ObserveCacheMiss()
	ObserveEndToEnd(time.Duration)
}

// Server wires the router, cache, health monitor, and worker pool behind
// gin routes.
type Server struct {
	cfg     Config
	router  *router.Router
	cache   *cache.Cache
	health  *health.Monitor
	pool    *pool.Pool
	metrics MetricsObserver
	logger  *zap.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds a Server. A nil cache disables the response cache entirely
// (every request behaves as bypass_cache=true). A nil metrics observer
// disables cache-hit/miss and end-to-end observation. A nil pool omits the
// "pool" field from GET /health.
func New(cfg Config, r *router.Router, c *cache.Cache, h *health.Monitor, p *pool.Pool, m MetricsObserver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), ginZapLogger(logger))

	s := &Server{
		cfg:     cfg,
		router:  r,
		cache:   c,
		health:  h,
		pool:    p,
		metrics: m,
		logger:  logger,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func ginZapLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	optimize := s.engine.Group("/api")
	if s.cfg.RequireAuth && s.cfg.JWTSecret != "" {
		optimize.Use(s.requireBearer)
	}
	optimize.POST("/optimize", s.handleOptimize)

	stream := s.engine.Group("/ws")
	if s.cfg.RequireAuth && s.cfg.JWTSecret != "" {
		stream.Use(s.requireBearer)
	}
	stream.GET("/stream", s.handleStream)
}

// requireBearer validates a `Authorization: Bearer <token>` header against
// cfg.JWTSecret using an HMAC signing method (HS256, HS384 or HS512). It
// rejects any non-HMAC signing method to avoid the classic "alg=none"
// downgrade.
func (s *Server) requireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

// optimizeOptions mirrors spec §6's recognized option keys. Unrecognized
// keys are ignored by construction: json.Unmarshal into a concrete struct
// silently drops fields it does not know about.
type optimizeOptions struct {
	BypassCache      bool     `json:"bypass_cache"`
	PreferredBackend string   `json:"preferred_backend"`
	Priority         string   `json:"priority"`
	DeadlineMs       *int64   `json:"deadline_ms"`
	MaxRetries       int      `json:"max_retries"`
}

type optimizeRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	Attachments []string `json:"attachments"`
	Options     optimizeOptions `json:"options"`
}

type optimizeResponse struct {
	Content     string            `json:"content"`
	BackendUsed string            `json:"backend_used"`
	CacheHit    bool              `json:"cache_hit"`
	InputTokens int               `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	CostUSD     float64           `json:"cost_usd"`
	LatencyMs   int64             `json:"latency_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func priorityFromString(s string) adapter.Priority {
	switch s {
	case "high":
		return adapter.PriorityHigh
	case "low":
		return adapter.PriorityLow
	default:
		return adapter.PriorityMedium
	}
}

func (s *Server) handleOptimize(c *gin.Context) {
	start := time.Now()

	var body optimizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": routingerrors.ValidationError})
		return
	}

	attachments := make([]adapter.Attachment, 0, len(body.Attachments))
	for _, enc := range body.Attachments {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "attachment is not valid base64", "kind": routingerrors.ValidationError})
			return
		}
		attachments = append(attachments, adapter.Attachment(raw))
	}

	req := &adapter.Request{
		Prompt:           body.Prompt,
		Attachments:      attachments,
		BypassCache:      body.Options.BypassCache,
		PreferredBackend: body.Options.PreferredBackend,
		Priority:         priorityFromString(body.Options.Priority),
		MaxRetries:       body.Options.MaxRetries,
	}
	if body.Options.DeadlineMs != nil {
		req.Deadline = start.Add(time.Duration(*body.Options.DeadlineMs) * time.Millisecond)
	}

	resp, cacheHit, err := s.routeWithCache(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveEndToEnd(time.Since(start))
	}

	c.JSON(http.StatusOK, optimizeResponse{
		Content:      resp.Text,
		BackendUsed:  resp.AdapterName,
		CacheHit:     cacheHit,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.Latency.Milliseconds(),
		Metadata:     resp.Metadata,
	})
}

// routeWithCache looks up the response cache (unless BypassCache or the
// cache is disabled), falling through to the router on miss, per spec
// §4.6: bypass_cache never populates or reads the cache.
func (s *Server) routeWithCache(ctx context.Context, req *adapter.Request) (*adapter.Response, bool, error) {
	if s.cache == nil || req.BypassCache {
		resp, err := s.router.Route(ctx, req)
		return resp, false, err
	}

	fingerprint := cache.Fingerprint(req)
	if cached, ok := s.cache.Get(fingerprint); ok {
		if s.metrics != nil {
			s.metrics.ObserveCacheHit()
		}
		cached.CacheHit = true
		return &cached, true, nil
	}
	if s.metrics != nil {
		s.metrics.ObserveCacheMiss()
	}

	resp, err := s.router.Route(ctx, req)
	if err != nil {
		return nil, false, err
	}
	s.cache.Put(fingerprint, *resp)
	return resp, false, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind, ok := routingerrors.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": routingerrors.InternalError})
		return
	}

	var re *routingerrors.RoutingError
	status := http.StatusInternalServerError
	switch kind {
	case routingerrors.ValidationError:
		status = http.StatusBadRequest
	case routingerrors.NoHealthyBackend, routingerrors.Overloaded, routingerrors.BackendUnavailable:
		status = http.StatusServiceUnavailable
	case routingerrors.DeadlineExceeded:
		status = http.StatusGatewayTimeout
	case routingerrors.RateLimited:
		status = http.StatusTooManyRequests
	case routingerrors.WorkerStartupFailed, routingerrors.WorkerCrashed, routingerrors.InternalError:
		status = http.StatusInternalServerError
	}

	if errors.As(err, &re) && re.RetryAfterMs > 0 {
		c.Header("Retry-After", strconv.FormatInt(re.RetryAfterMs/1000, 10))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

type healthBackend struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
}

type poolSnapshot struct {
	Ready  int `json:"ready"`
	Busy   int `json:"busy"`
	Queued int `json:"queued"`
}

func (s *Server) handleHealth(c *gin.Context) {
	backends := []healthBackend{}
	allHealthy, anyHealthy := true, false
	if s.health != nil {
		for name, st := range s.health.Snapshot() {
			backends = append(backends, healthBackend{Name: name, Healthy: st.Healthy, LatencyMs: st.EWMALatency.Milliseconds()})
			if st.Healthy {
				anyHealthy = true
			} else {
				allHealthy = false
			}
		}
	}

	status := "ok"
	if !allHealthy {
		status = "degraded"
	}
	if !anyHealthy && len(backends) > 0 {
		status = "down"
	}

	body := gin.H{
		"status":   status,
		"backends": backends,
	}
	if s.pool != nil {
		snap := s.pool.Snapshot()
		body["pool"] = poolSnapshot{Ready: snap.Ready, Busy: snap.Busy, Queued: snap.Queued}
	}

	c.JSON(http.StatusOK, body)
}

// handleStream upgrades to a websocket connection and streams the
// optimize response as a sequence of word chunks, one message per
// whitespace-separated word, whichever adapter served it; the adapter's
// SupportsStreaming flag is not consulted.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var body optimizeRequest
	if err := conn.ReadJSON(&body); err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}

	req := &adapter.Request{
		Prompt:           body.Prompt,
		BypassCache:      true,
		PreferredBackend: body.Options.PreferredBackend,
		Priority:         priorityFromString(body.Options.Priority),
		MaxRetries:       body.Options.MaxRetries,
	}

	resp, err := s.router.Route(c.Request.Context(), req)
	if err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}

	for _, word := range strings.Fields(resp.Text) {
		if err := conn.WriteJSON(gin.H{"chunk": word + " "}); err != nil {
			return
		}
	}
	conn.WriteJSON(gin.H{"done": true, "backend_used": resp.AdapterName})
}

// Handler exposes the underlying http.Handler, e.g. for use with a custom
// http.Server in cmd/relaymuxd.
func (s *Server) Handler() http.Handler { return s.engine }
