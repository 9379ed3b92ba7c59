package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/userop-relayer/internal/config"
	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/metrics"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const (
	packageName = "http"

	healthMessage = "Foresight Relayer is running!"
)

// Relayer turns one decoded request into an HTTP status and response.
type Relayer interface {
	Handle(ctx context.Context, req *model.RelayRequest) (int, *model.RelayResponse)
}

type Options struct {
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        *metrics.Recorder
}

type Server struct {
	engine       *gin.Engine
	srv          *http.Server
	relayer      Relayer
	limiter      *ipLimiter
	metrics      *metrics.Recorder
	maxBodyBytes int64
}

func NewServer(addr string, relayer Relayer, opts Options) *Server {
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = config.DefaultMaxBodyBytes
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	// Clients connect directly; never take the address from forwarding headers.
	_ = engine.SetTrustedProxies(nil)

	s := &Server{
		engine:       engine,
		relayer:      relayer,
		limiter:      newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst, defaultLimiterIdleTTL),
		metrics:      opts.Metrics,
		maxBodyBytes: maxBodyBytes,
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, healthMessage)
	})
	s.engine.POST("/", s.rateLimit(), s.relay)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg(util.WrapLogMessage(packageName, util.FuncName(), "listening"))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("failed to start http server: %w", err))
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight relays
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("failed to shutdown http server: %w", err))
	}
	return nil
}

func (s *Server) relay(c *gin.Context) {
	funcName := util.FuncName()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusRequestEntityTooLarge, model.NewErrorResponse(nil, model.CodeInvalidRequest, model.MessageInvalidRequest, "request body too large"))
			return
		}
		log.Warn().Err(err).Msg(util.WrapLogMessage(packageName, funcName, "failed to read request body"))
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(nil, model.CodeParseError, model.MessageParseError, err.Error()))
		return
	}

	// An empty body reads as an empty object.
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(nil, model.CodeParseError, model.MessageParseError, nil))
		return
	}
	if body[0] != '{' {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(nil, model.CodeInvalidRequest, model.MessageInvalidRequest, "request must be a JSON object"))
		return
	}

	var req model.RelayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(nil, model.CodeParseError, model.MessageParseError, err.Error()))
		return
	}

	status, res := s.relayer.Handle(c.Request.Context(), &req)
	c.JSON(status, res)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter.allow(c.ClientIP(), time.Now()) {
			c.Next()
			return
		}
		s.metrics.RateLimited()
		log.Debug().Str("clientIP", c.ClientIP()).Msg(util.WrapLogMessage(packageName, "rateLimit", "rate limited"))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, model.NewErrorResponse(nil, model.CodeLimitExceeded, model.MessageLimitExceeded, nil))
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("route", c.Request.URL.Path).
			Str("method", c.Request.Method).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request handled")
	}
}
