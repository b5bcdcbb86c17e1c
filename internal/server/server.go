// Package server exposes the HTTP surface: the inbound message endpoint,
// the work-item lifecycle webhook, health, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/leavebot-dev/leavebot/internal/devrev"
	"github.com/leavebot-dev/leavebot/internal/transport"
	"github.com/leavebot-dev/leavebot/pkg/observability"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// Handler is the workflow surface the HTTP layer drives.
type Handler interface {
	HandleActivity(ctx context.Context, act transport.Activity) error
	HandleWorkItemCreated(ctx context.Context, item *devrev.WorkItemPayload) error
	HandleQuestionUpdated(ctx context.Context, item *devrev.WorkItemPayload) error
	RefreshApprovers(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Port int
	// DirectoryRefresh is a cron spec for the approver-cache refresh;
	// empty disables the schedule.
	DirectoryRefresh string
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	engine *gin.Engine
	flow   Handler
	store  *refstore.Store
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds the server and registers its routes.
func New(cfg Config, flow Handler, store *refstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		flow:   flow,
		store:  store,
		cron:   cron.New(),
		logger: logger,
	}

	s.engine.Use(gin.Recovery(), requestIDMiddleware(), s.metricsMiddleware())
	s.engine.POST("/api/messages", s.handleMessages)
	s.engine.POST("/api/devrev-webhook", s.handleWebhook)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully. The
// directory-refresh schedule runs alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.DirectoryRefresh != "" {
		if _, err := s.cron.AddFunc(s.cfg.DirectoryRefresh, func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.flow.RefreshApprovers(refreshCtx); err != nil {
				s.logger.Error("scheduled approver refresh failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid directory refresh schedule %q: %w", s.cfg.DirectoryRefresh, err)
		}
		s.cron.Start()
		defer s.cron.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// requestIDMiddleware tags every response with a request ID, honoring one
// supplied by the caller.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		observability.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleMessages(c *gin.Context) {
	var act transport.Activity
	if err := c.ShouldBindJSON(&act); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity payload"})
		return
	}

	if err := s.flow.HandleActivity(c.Request.Context(), act); err != nil {
		s.logger.Error("activity handling failed", "sender_id", act.SenderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := devrev.ParseEvent(body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "error", err)
		observability.RecordWebhookEvent("invalid", "error")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.dispatchEvent(c.Request.Context(), event)
	observability.RecordWebhookEvent(event.Type, outcome)
	if err != nil {
		s.logger.Error("webhook handling failed", "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// dispatchEvent routes a lifecycle event. Events that do not concern this
// service are acknowledged without action; only a failed delivery of an
// event we do own surfaces as an error.
func (s *Server) dispatchEvent(ctx context.Context, event *devrev.Event) (string, error) {
	switch event.Type {
	case devrev.EventCustomObjectCreated, devrev.EventWorkCreated:
		item := event.Payload()
		if item == nil || !item.IsLeaveRequest() {
			s.logger.Info("ignoring non-leave-request creation", "type", event.Type)
			return "skipped", nil
		}
		if err := s.flow.HandleWorkItemCreated(ctx, item); err != nil {
			return "error", err
		}
		return "handled", nil

	case devrev.EventWorkUpdated:
		item := event.Payload()
		if item == nil || item.CustomField("request_type") != "question" {
			return "skipped", nil
		}
		if err := s.flow.HandleQuestionUpdated(ctx, item); err != nil {
			return "error", err
		}
		return "handled", nil

	case devrev.EventTimelineEntryCreated:
		if event.TimelineEntry != nil {
			s.logger.Info("timeline entry received",
				"entry_type", event.TimelineEntry.EntryType, "object", event.TimelineEntry.Object)
		}
		return "skipped", nil

	default:
		s.logger.Info("ignoring webhook event", "type", event.Type)
		return "skipped", nil
	}
}

// handleHealth always reports healthy: the service stays up in cache-only
// mode, so the durable tier's state is informational.
func (s *Server) handleHealth(c *gin.Context) {
	st := s.store.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"redis_connected":  st.Connected,
		"references":       st.MemoryCount,
		"redis_references": st.RedisCount,
	})
}
