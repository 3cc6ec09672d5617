package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/events"
	"maestro/internal/serialize"
)

// readyProbeTimeout bounds the checkpoint store ping.
const readyProbeTimeout = 2 * time.Second

type healthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Timestamp serialize.Time `json:"timestamp"`
}

type readyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Agents int    `json:"agents"`
}

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: serialize.Now(),
	})
}

// handleReady is the readiness probe: the checkpoint store answers and the
// registry is loaded. Not ready maps to 503 so load balancers drain us.
func (s *Server) handleReady(c *gin.Context) {
	agents := 0
	if s.registry != nil {
		agents = s.registry.Len()
	}

	if s.checkpoints == nil {
		c.JSON(http.StatusServiceUnavailable, readyResponse{Status: "unavailable", Reason: "checkpoint store not configured", Agents: agents})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyProbeTimeout)
	defer cancel()
	if err := s.checkpoints.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe: checkpoint store unreachable: %v", err)
		c.JSON(http.StatusServiceUnavailable, readyResponse{Status: "unavailable", Reason: "checkpoint store unreachable", Agents: agents})
		return
	}

	c.JSON(http.StatusOK, readyResponse{Status: "ready", Agents: agents})
}

type agentStatus struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	LastError    string   `json:"lastError,omitempty"`
}

type breakerStatus struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

type statsResponse struct {
	Bus      events.Stats    `json:"bus"`
	Agents   []agentStatus   `json:"agents"`
	Breakers []breakerStatus `json:"breakers,omitempty"`
}

// handleStats reports bus delivery counters, registry health, and breaker
// states for operators.
func (s *Server) handleStats(c *gin.Context) {
	resp := statsResponse{Agents: []agentStatus{}}

	if s.bus != nil {
		resp.Bus = s.bus.GetStats()
	}
	if s.registry != nil {
		for _, entry := range s.registry.Snapshot() {
			resp.Agents = append(resp.Agents, agentStatus{
				Name:         entry.Card.Name,
				Status:       string(entry.Status),
				Capabilities: entry.Card.Capabilities,
				LastError:    entry.LastError,
			})
		}
	}
	if s.breakers != nil {
		for _, m := range s.breakers.GetMetrics() {
			resp.Breakers = append(resp.Breakers, breakerStatus{
				Endpoint: m.Name,
				State:    m.State.String(),
				Failures: m.FailureCount,
			})
		}
	}

	c.JSON(http.StatusOK, resp)
}
