// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// WebSocket endpoint paths.
const (
	RunnerPath = "/v1/runner"
	PeerPath   = "/v1/peer"
	StatusPath = "/v1/status"
	HealthPath = "/healthz"
)

func (h *Hub) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET(HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "runners": h.runners.Count()})
	})
	engine.GET(StatusPath, h.requirePeerKey(), func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Status())
	})
	engine.GET(RunnerPath, h.upgrade(h.runners))
	engine.GET(PeerPath, h.upgrade(h.peers))
	return engine
}

// requirePeerKey admits requests bearing the peer namespace key.
func (h *Hub) requirePeerKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := c.GetHeader("Authorization")
		if !strings.HasPrefix(authorization, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		if !h.peers.CheckKey(strings.TrimPrefix(authorization, "Bearer ")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// upgrade authenticates before upgrading, so a bad key is an HTTP 401
// the client can tell apart from a network failure. The handler then
// runs the connection's read loop until it ends.
func (h *Hub) upgrade(namespace *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter != nil && !h.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		credentials := registry.CredentialsFromRequest(c.Request)
		if err := namespace.Authenticate(credentials); err != nil {
			h.logger.Warn("rejected connection",
				"namespace", namespace.Namespace(),
				"host", credentials.HostID,
				"remote", c.ClientIP(),
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !h.admit() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}
		defer h.connections.Done()

		conn, err := transport.Accept(c.Writer, c.Request, h.websocket)
		if err != nil {
			// The upgrader has already written the HTTP error.
			h.logger.Debug("websocket upgrade failed", "host", credentials.HostID, "error", err)
			return
		}
		if err := namespace.Serve(h.serveCtx, conn, credentials); err != nil && !errors.Is(err, registry.ErrAuthRejected) {
			h.logger.Debug("connection ended with error",
				"namespace", namespace.Namespace(),
				"host", credentials.HostID,
				"error", err,
			)
		}
	}
}
