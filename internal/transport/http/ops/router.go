package opshttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"keeper/internal/recovery"
	"keeper/internal/restorer"
	"keeper/internal/session"

	"github.com/gin-gonic/gin"
)

// RecoveryService is implemented by *restorer.Restorer.
type RecoveryService interface {
	Report() (restorer.FleetReport, bool)
	Sessions() []session.Snapshot
	RestoreSession(ctx context.Context, key session.Key) (recovery.Result, error)
}

type Router struct {
	svc RecoveryService
}

func NewRouter(svc RecoveryService) *Router {
	return &Router{svc: svc}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/report", r.handleReport)
	group.GET("/sessions", r.handleSessions)
	group.POST("/sessions/:key/retry", r.handleRetry)
}

func (r *Router) handleReport(c *gin.Context) {
	rep, ok := r.svc.Report()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restore has not finished"})
		return
	}
	if strings.EqualFold(c.Query("format"), "yaml") {
		raw, err := rep.YAML()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/yaml", raw)
		return
	}
	if strings.EqualFold(c.Query("format"), "text") {
		c.String(http.StatusOK, rep.Summary())
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (r *Router) handleSessions(c *gin.Context) {
	sessions := r.svc.Sessions()
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if strings.EqualFold(s.Status, status) {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// handleRetry re-runs recovery for one session. :key is "<uid>:<strategy>:<symbol>".
func (r *Router) handleRetry(c *gin.Context) {
	key, err := session.ParseID(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.svc.RestoreSession(c.Request.Context(), key)
	switch {
	case errors.Is(err, restorer.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, restorer.ErrRecoveryInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

type resultResponse struct {
	ID            string                `json:"id"`
	Status        string                `json:"status"`
	Success       bool                  `json:"success"`
	Kind          string                `json:"kind,omitempty"`
	Cause         string                `json:"cause,omitempty"`
	DurationMS    int64                 `json:"duration_ms"`
	Discrepancies []session.Discrepancy `json:"discrepancies"`
}

func resultView(res recovery.Result) resultResponse {
	ds := res.Discrepancies()
	if ds == nil {
		ds = []session.Discrepancy{}
	}
	return resultResponse{
		ID:            res.Key.String(),
		Status:        res.FinalStatus.String(),
		Success:       res.Success,
		Kind:          res.Kind.String(),
		Cause:         res.Cause,
		DurationMS:    res.Duration().Milliseconds(),
		Discrepancies: ds,
	}
}
