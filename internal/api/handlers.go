package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"researchgo/internal/agent"
	"researchgo/internal/models"
	"researchgo/internal/runner"
	"researchgo/internal/session"
)

const researchTimeout = 5 * time.Minute

// ResearchRunner is the loop driver the handlers dispatch runs to.
type ResearchRunner interface {
	Research(ctx context.Context, sessionID int64, topic string, emit agent.EmitFunc) (*agent.RunResult, error)
	Busy(sessionID int64) bool
	Transcript(sessionID int64) []*models.Message
	Purge(sessionID int64)
}

// Handler wires HTTP routes to the session service and the research runner.
type Handler struct {
	sessions *session.Service
	runner   ResearchRunner
}

func NewHandler(sessions *session.Service, r ResearchRunner) *Handler {
	return &Handler{sessions: sessions, runner: r}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)

	sessionRoutes := api.Group("/sessions/:id")
	sessionRoutes.Use(h.sessions.Middleware(), session.RequirePathSession())
	sessionRoutes.GET("", h.getSession)
	sessionRoutes.POST("/research", h.startResearch)
	sessionRoutes.DELETE("", h.deleteSession)
}

func (h *Handler) createSession(c *gin.Context) {
	se, token, err := h.sessions.Create(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session":       se,
		"session_token": token,
	})
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID, ok := pathSessionID(c)
	if !ok {
		return
	}
	se, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  se,
		"messages": h.runner.Transcript(sessionID),
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := pathSessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.runner.Purge(sessionID)
	c.Status(http.StatusNoContent)
}

type researchRequest struct {
	Topic string `json:"topic"`
}

func (h *Handler) startResearch(c *gin.Context) {
	sessionID, ok := pathSessionID(c)
	if !ok {
		return
	}
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}

	if h.runner.Busy(sessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "research already running for this session"})
		return
	}

	runCtx, cancel := context.WithTimeout(c.Request.Context(), researchTimeout)
	defer cancel()

	// SSE response construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{"session_id": sessionID, "topic": topic}); err != nil {
		return
	}

	res, err := h.runner.Research(runCtx, sessionID, topic, func(ev agent.StepEvent) error {
		return sendEvent("step", ev)
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, runner.ErrRunInFlight) {
			msg = "research already running for this session"
		}
		_ = sendEvent("error", gin.H{"message": msg})
		return
	}
	if res.Failed {
		_ = sendEvent("error", gin.H{"message": res.Final.Content})
		return
	}
	_ = sendEvent("report", gin.H{
		"session_id": sessionID,
		"topic":      topic,
		"content":    res.Final.Content,
	})
}

func pathSessionID(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}
