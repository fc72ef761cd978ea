package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/orchestration"
	"github.com/zulandar/teamyard/internal/taskstore"
)

type handlers struct {
	manager   *orchestration.Manager
	metrics   *metrics.Collector
	heartbeat time.Duration
	log       *zap.Logger
	started   time.Time
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", h.health)
	router.HEAD("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/models", h.listModels)
	api.GET("/history", h.listHistory)
	api.DELETE("/history/:id", h.deleteHistory)

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.DELETE("/:id", h.stopSession)
	sessions.POST("/:id/chat", h.chat)
	sessions.GET("/:id/tasks", h.listTasks)
	sessions.GET("/:id/tasks/:task", h.getTask)
	sessions.GET("/:id/agents/:agent/mailbox", h.mailbox)
	sessions.GET("/:id/stream", h.stream)
	sessions.GET("/:id/ws", h.socket)
}

// respondError maps the error taxonomy onto status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, orchestration.ErrNotFound), errors.Is(err, taskstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestration.ErrStopped):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// session resolves :id or writes a 404.
func (h *handlers) session(c *gin.Context) (*orchestration.Session, bool) {
	s, ok := h.manager.Get(c.Param("id"))
	if !ok {
		respondError(c, orchestration.ErrNotFound)
		return nil, false
	}
	return s, true
}

func (h *handlers) health(c *gin.Context) {
	active := 0
	for _, info := range h.manager.List(c.Request.Context()) {
		if info.Status != orchestration.StatusStopped {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"active_sessions": active,
	})
}

func (h *handlers) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": llm.Catalog})
}

func (h *handlers) createSession(c *gin.Context) {
	var team config.Team
	if err := c.ShouldBindJSON(&team); err != nil {
		respondError(c, fault.Invalid("body", "%v", err))
		return
	}
	s, err := h.manager.Create(c.Request.Context(), team)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": s.ID(),
		"agents":     s.Graph().Names(),
		"top_leader": s.Graph().Top(),
		"status":     s.Status(),
	})
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.List(c.Request.Context())})
}

func (h *handlers) getSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info(c.Request.Context()))
}

func (h *handlers) stopSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.Stop(orchestration.ReasonStopped)
	c.JSON(http.StatusOK, gin.H{"status": orchestration.StatusStopped, "session_id": s.ID(), "reason": s.StopReason()})
}

type chatRequest struct {
	Message     string `json:"message"`
	TargetAgent string `json:"target_agent"`
}

func (h *handlers) chat(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fault.Invalid("body", "%v", err))
		return
	}
	msg, err := s.Inject(c.Request.Context(), req.TargetAgent, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "session_id": s.ID(), "message_id": msg.ID, "to": msg.ToAgent})
}

func (h *handlers) listTasks(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	filter, err := taskFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	tasks, err := s.Tasks().List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *handlers) getTask(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("task"))
	if err != nil {
		respondError(c, fault.Invalid("task", "%q is not a task id", c.Param("task")))
		return
	}
	t, err := s.Tasks().Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handlers) mailbox(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	agent := c.Param("agent")
	if !s.Graph().Has(agent) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent " + agent + " not found"})
		return
	}
	msgs, err := s.Mail().ReadAll(c.Request.Context(), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "messages": messageViews(msgs)})
}

func (h *handlers) listHistory(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, fault.Invalid("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := h.manager.Records(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": recordViews(recs)})
}

func (h *handlers) deleteHistory(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Purge(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": id})
}
