// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package registry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes the registry store over the JSON/HTTP surface.
type Server struct {
	store  *Store
	engine *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// NewServer builds the HTTP layer around a store.
func NewServer(store *Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Server{store: store, engine: engine, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	agents := s.engine.Group("/agents")
	{
		agents.POST("/register", s.handleRegister)
		agents.GET("", s.handleList)
		agents.GET("/:id", s.handleGet)
		agents.POST("/:id/heartbeat", s.handleHeartbeat)
		agents.POST("/:id/hotpath", s.handleSetHotpath)
		agents.DELETE("/:id", s.handleRemove)
	}
}

// Handler returns the underlying http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("registry listening", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent := s.store.Register(req)
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.AgentID = c.Param("id")
	agent, err := s.store.Heartbeat(req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleList(c *gin.Context) {
	healthyOnly := c.Query("healthy_only") == "true"
	hotpathOnly := c.Query("hotpath_only") == "true"
	c.JSON(http.StatusOK, gin.H{"agents": s.store.List(healthyOnly, hotpathOnly)})
}

func (s *Server) handleGet(c *gin.Context) {
	agent, err := s.store.Get(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleSetHotpath(c *gin.Context) {
	var req struct {
		Hotpath bool `json:"hotpath"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.store.SetHotpath(c.Param("id"), req.Hotpath)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleRemove(c *gin.Context) {
	force := c.Query("force") == "true"
	err := s.store.Remove(c.Param("id"), force)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, ErrHotpathAgent):
		c.JSON(http.StatusConflict, gin.H{"error": "hotpath_agent"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
