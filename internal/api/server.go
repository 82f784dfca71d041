package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"advisor-ledger/internal/ipfs"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/market"
	"advisor-ledger/internal/metrics"
	"advisor-ledger/internal/pipeline"
)

const (
	defaultMaxBodyBytes  = 1 << 20
	defaultVerifyTimeout = ledger.DefaultVerifyTimeout
	requestIDHeader      = "X-Request-ID"
)

// Processor runs the write pipeline for one advice request.
type Processor interface {
	ProcessAdvice(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// MarketSource provides the current market snapshot.
type MarketSource interface {
	Snapshot(ctx context.Context) market.Snapshot
}

// Options configure the HTTP surface.
type Options struct {
	Version        string
	CORSOrigins    []string
	VerifyTimeout  time.Duration
	MaxBodyBytes   int64
	MetricsEnabled bool
}

// Deps are the backing services. Any of them may be nil, in which case the
// corresponding routes answer with a configuration error.
type Deps struct {
	Pipeline Processor
	Ledger   ledger.Reader
	Content  ipfs.Reader
	Market   MarketSource
	Metrics  *metrics.Metrics
}

// Server 暴露投顾流水线、验证与行情查询的 HTTP 接口。
type Server struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// New constructs a Server.
func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = defaultVerifyTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the router with middleware and all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	if s.opts.MetricsEnabled {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/advice", s.handleAdvice)
		r.Get("/verify/{txHash}", s.handleVerify)
		r.Get("/ipfs/{cid}", s.handleContent)
		r.Get("/history/{userAddress}", s.handleHistory)

		r.Route("/market", func(r chi.Router) {
			r.Get("/data", s.handleMarketData)
			r.Get("/fear-greed", s.handleFearGreed)
			r.Get("/trend", s.handleTrend)
			r.Get("/gas", s.handleGas)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, r, http.StatusNotFound, CodeNotFound, "接口不存在: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, r, http.StatusMethodNotAllowed, CodeInvalidRequest, "不支持的请求方法: "+r.Method)
	})

	return r
}

type requestIDKey struct{}

// requestID reuses an incoming X-Request-ID or mints a new one, and attaches it
// to the response, the request context and the request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		log := zerolog.Ctx(r.Context())
		log.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// observe logs each request and records it under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.deps.Metrics.ObserveHTTP(route, status)

		event := hlog.FromRequest(r).Info()
		if status >= http.StatusInternalServerError {
			event = hlog.FromRequest(r).Error()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
