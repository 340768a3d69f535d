package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/probelab/capture-agent/internal/agent"
)

// New builds the control protocol engine: start/stop/status plus a JSON 404
// for everything else.
func New(a *agent.Agent, defaultRunners []string) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())

	h := handlers{agent: a, defaultRunners: defaultRunners}
	g.POST("/start", h.start)
	g.POST("/stop", h.stop)
	g.GET("/status", h.status)
	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return g
}

type handlers struct {
	agent          *agent.Agent
	defaultRunners []string
}

func (h handlers) start(c *gin.Context) {
	var req struct {
		RunID   string   `json:"run_id" binding:"required"`
		Runners []string `json:"runners"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runners := req.Runners
	if len(runners) == 0 {
		runners = h.defaultRunners
	}

	if err := h.agent.Start(req.RunID, runners); err != nil {
		var conflict *agent.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true, "run_id": req.RunID})
}

func (h handlers) stop(c *gin.Context) {
	// The body's run_id is advisory; the recorded run_id is authoritative.
	var req struct {
		RunID string `json:"run_id"`
	}
	_ = c.ShouldBindJSON(&req)

	runID, err := h.agent.Stop()
	if err != nil {
		var conflict *agent.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopping": true, "run_id": runID})
}

func (h handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.Status())
}
