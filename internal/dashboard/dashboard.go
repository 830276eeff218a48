// Package dashboard exposes the operator HTTP surface: job inspection, job
// cancellation, and the editable agent config files. It is a thin layer over
// the store; all state transitions stay behind the store API.
package dashboard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	hzConfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hertzprom "github.com/hertz-contrib/monitor-prometheus"

	"github.com/peterhq/peterbot/internal/config"
	"github.com/peterhq/peterbot/internal/configstore"
	"github.com/peterhq/peterbot/internal/pkg/logs"
	"github.com/peterhq/peterbot/internal/pkg/metrics"
	"github.com/peterhq/peterbot/internal/store"
)

const (
	serviceName   = "peterbot"
	jobsPageLimit = 20
)

// Server is the dashboard HTTP server.
type Server struct {
	hz       *hzServer.Hertz
	store    *store.Store
	configs  *configstore.Store
	password string
	chatID   string
}

// New builds the server and registers its routes. When metricsBind is set in
// the config, prometheus exposition runs on its own listener.
func New(cfg config.DashboardConfig, st *store.Store, cs *configstore.Store, chatID string) *Server {
	hlog.SetLogger(logs.NewHertzLogger(logs.DefaultLogger()))

	opts := []hzConfig.Option{
		hzServer.WithHostPorts(fmt.Sprintf(":%d", cfg.Port)),
		hzServer.WithExitWaitTime(5 * time.Second),
	}
	if cfg.MetricsBind != "" {
		opts = append(opts, hzServer.WithTracer(hertzprom.NewServerTracer(
			cfg.MetricsBind, "/metrics",
			hertzprom.WithRegistry(metrics.GetRegistry()),
			hertzprom.WithEnableGoCollector(true),
		)))
	}

	s := &Server{
		hz:       hzServer.New(opts...),
		store:    st,
		configs:  cs,
		password: cfg.Password,
		chatID:   chatID,
	}
	s.registerRoutes()
	return s
}

// Start serves in the background.
func (s *Server) Start(ctx context.Context) {
	go s.hz.Spin()
	logs.CtxInfo(ctx, "[dashboard] started")
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if err := s.hz.Shutdown(ctx); err != nil {
		logs.CtxWarn(ctx, "[dashboard] shutdown error: %v", err)
	}
	logs.CtxInfo(ctx, "[dashboard] stopped")
}

func (s *Server) registerRoutes() {
	// Health and password verification stay outside the auth wall.
	s.hz.GET("/api/health", s.handleHealth)
	s.hz.POST("/api/auth/verify", s.handleVerify)

	api := s.hz.Group("/api", s.auth())
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)

	api.GET("/soul", s.handleReadConfig(configstore.KindSoul))
	api.PUT("/soul", s.handleWriteConfig(configstore.KindSoul))
	api.GET("/memory", s.handleReadConfig(configstore.KindMemory))
	api.PUT("/memory", s.handleWriteConfig(configstore.KindMemory))
	api.GET("/blocklist", s.handleReadConfig(configstore.KindBlocklist))
	api.PUT("/blocklist", s.handleWriteConfig(configstore.KindBlocklist))
}

// auth gates everything behind the shared dashboard password.
func (s *Server) auth() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		got := c.GetHeader("X-Dashboard-Password")
		if subtle.ConstantTimeCompare(got, []byte(s.password)) != 1 {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "unauthorized"})
			return
		}
		c.Next(ctx)
	}
}

func (s *Server) handleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{
		"status": "ok",
		"name":   serviceName,
		"ts":     time.Now().UnixMilli(),
	})
}

func (s *Server) handleVerify(_ context.Context, c *app.RequestContext) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid request body"})
		return
	}
	valid := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.password)) == 1
	c.JSON(consts.StatusOK, utils.H{"valid": valid})
}

func (s *Server) handleListJobs(ctx context.Context, c *app.RequestContext) {
	jobs, err := s.store.ListJobsByChat(ctx, s.chatID, jobsPageLimit)
	if err != nil {
		logs.CtxError(ctx, "[dashboard] list jobs: %v", err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "storage failure"})
		return
	}
	total, err := s.store.CountJobsByChat(ctx, s.chatID)
	if err != nil {
		logs.CtxError(ctx, "[dashboard] count jobs: %v", err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "storage failure"})
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	c.JSON(consts.StatusOK, utils.H{"jobs": jobs, "total": total})
}

func (s *Server) handleGetJob(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "job not found"})
		return
	}
	if err != nil {
		logs.CtxError(ctx, "[dashboard] get job %s: %v", id, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "storage failure"})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"job": job})
}

func (s *Server) handleCancelJob(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	err := s.store.CancelJob(ctx, id, "Cancelled by user")
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(consts.StatusNotFound, utils.H{"error": "job not found"})
		return
	case errors.Is(err, store.ErrNotCancelable):
		c.JSON(consts.StatusConflict, utils.H{"error": "job already finished"})
		return
	case err != nil:
		logs.CtxError(ctx, "[dashboard] cancel job %s: %v", id, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "storage failure"})
		return
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		logs.CtxError(ctx, "[dashboard] reload job %s: %v", id, err)
		c.JSON(consts.StatusOK, utils.H{"ok": true})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"job": job})
}

func (s *Server) handleReadConfig(kind configstore.Kind) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		entry, err := s.configs.Read(kind)
		if err != nil {
			logs.CtxError(ctx, "[dashboard] read %s: %v", kind, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "read failure"})
			return
		}
		c.JSON(consts.StatusOK, entry)
	}
}

func (s *Server) handleWriteConfig(kind configstore.Kind) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		var req struct {
			Content string `json:"content"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid request body"})
			return
		}
		if err := s.configs.Write(kind, req.Content); err != nil {
			c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		logs.CtxInfo(ctx, "[dashboard] updated %s", kind)
		c.JSON(consts.StatusOK, utils.H{"ok": true})
	}
}
