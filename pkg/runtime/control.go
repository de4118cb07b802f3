package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/module"
	"github.com/c-h-/orgloop-sub002/pkg/version"
)

// controlHandler builds the loopback control API router.
func (r *Runtime) controlHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	ctl := router.Group("/control")
	ctl.GET("/status", r.handleStatus)
	ctl.GET("/health", r.handleHealth)
	ctl.POST("/module/load", r.handleModuleLoad)
	ctl.POST("/module/unload", r.handleModuleUnload)
	ctl.POST("/module/reload", r.handleModuleReload)
	ctl.POST("/shutdown", r.handleShutdown)
	return router
}

func (r *Runtime) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        version.Full(),
		"started_at":     r.startedAt.UTC(),
		"uptime_seconds": int64(time.Since(r.startedAt).Seconds()),
		"modules":        r.ListModules(),
		"sources":        r.sched.Health(),
		"bus":            r.bus.Health(),
	})
}

func (r *Runtime) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
		"sources": r.sched.Health(),
		"bus":     r.bus.Health(),
		"modules": r.ListModules(),
	})
}

// moduleLoadRequest carries a module config as a YAML document, so the
// CLI can forward config files verbatim.
type moduleLoadRequest struct {
	Name   string `json:"name"`
	Config string `json:"config" binding:"required"`
}

func (r *Runtime) handleModuleLoad(c *gin.Context) {
	var req moduleLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	mod, err := config.ParseModule([]byte(req.Config))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != "" {
		mod.Name = req.Name
	}

	st, err := r.LoadModule(c.Request.Context(), *mod)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, module.ErrDuplicateModule) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"name": mod.Name, "state": st.State, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": st.Name, "state": st.State})
}

type moduleNameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (r *Runtime) handleModuleUnload(c *gin.Context) {
	var req moduleNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	st, err := r.UnloadModule(c.Request.Context(), req.Name)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, module.ErrModuleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"name": req.Name, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": st.Name, "state": st.State})
}

func (r *Runtime) handleModuleReload(c *gin.Context) {
	var req moduleNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	st, err := r.ReloadModule(c.Request.Context(), req.Name)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, module.ErrModuleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"name": req.Name, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": st.Name, "state": st.State})
}

// handleShutdown responds first, then begins the graceful shutdown in
// the background so the client gets its answer.
func (r *Runtime) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting_down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*r.cfg.GracefulStop)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown finished with errors", "error", err)
		}
	}()
}
