package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"omnidesk/internal/constants"
	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/handover"
	"omnidesk/internal/httputil"
	"omnidesk/internal/metrics"
	"omnidesk/internal/middleware"
	"omnidesk/internal/models"
	"omnidesk/internal/notification"
	"omnidesk/internal/presence"
	"omnidesk/internal/push"
	"omnidesk/internal/service"
	"omnidesk/internal/tracing"
	"omnidesk/internal/versioning"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EscalationArchive reads persisted escalations, including finished ones
// the engine no longer holds.
type EscalationArchive interface {
	ListEscalations(ctx context.Context, companyID string, status models.EscalationStatus, limit int) ([]*models.Escalation, error)
}

// Dependencies are the services the HTTP layer routes to.
type Dependencies struct {
	Inbound       *service.InboundProcessor
	Outbound      *service.OutboundSender
	Conversations *service.EscalationHandler
	Engine        *handover.Engine
	Presence      *presence.Manager
	Notifications *notification.Service
	Hub           *push.Hub
	Metrics       *metrics.Metrics
	Store         Pinger
	Archive       EscalationArchive
	Build         versioning.BuildInfo
}

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	cfg     models.ServerConfig
	deps    Dependencies
	ips     *httputil.ClientIPResolver
	limiter *RateLimiter
	errLog  *apperrors.Logger
	server  *http.Server
}

func NewServer(cfg models.ServerConfig, deps Dependencies, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		errLog: apperrors.NewLogger(logger),
		cfg:    cfg,
		deps:   deps,
		ips:    httputil.NewClientIPResolver(cfg.TrustedProxies),
		limiter: NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst,
			time.Duration(constants.DefaultRateLimiterIdleMin)*time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recover(s.logger), middleware.Observability(s.logger, s.deps.Metrics, s.ips))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)

	webhooks := s.router.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(s.limiter.Middleware(s.ips, s.logger), middleware.DebugHeaders(s.logger))
	webhooks.HandleFunc("/{channel}/{company}", s.handleWebhook()).Methods(http.MethodGet, http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware(s.ips, s.logger), versioning.Middleware(s.logger))
	s.setupAPIRoutes(api)
}

// writeServiceError writes err and logs it when the failure is on our side.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.HTTPStatusCode(err) >= http.StatusInternalServerError {
		s.errLog.LogRetryableError(err, "Request failed", logrus.Fields{
			service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			service.LogFieldMethod:    r.Method,
			service.LogFieldURL:       r.URL.Path,
		})
	}
	httputil.WriteError(w, r, err)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status    string               `json:"status"`
	Database  string               `json:"database"`
	Clients   int                  `json:"websocketClients"`
	Breakers  map[string]string    `json:"circuitBreakers,omitempty"`
	Build     versioning.BuildInfo `json:"build"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "ok",
			Database:  "ok",
			Build:     s.deps.Build,
			Timestamp: time.Now().UTC(),
		}
		status := http.StatusOK

		if s.deps.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.Store.Ping(ctx); err != nil {
				s.logger.WithError(err).Warn("Health check database ping failed")
				resp.Status = "degraded"
				resp.Database = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		if s.deps.Hub != nil {
			resp.Clients = s.deps.Hub.ClientCount()
		}
		if s.deps.Outbound != nil {
			for _, st := range s.deps.Outbound.Breakers().Stats() {
				if resp.Breakers == nil {
					resp.Breakers = make(map[string]string)
				}
				resp.Breakers[st.Name] = st.State.String()
			}
		}

		httputil.WriteJSON(w, status, resp)
	}
}
