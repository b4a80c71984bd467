package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/defirisk/internal/analyzer"
	"github.com/mbd888/defirisk/internal/health"
	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/logging"
	"github.com/mbd888/defirisk/internal/protocol"
	"github.com/mbd888/defirisk/internal/risk"
	"github.com/mbd888/defirisk/internal/validation"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// CompareRequest is the POST /v1/compare body.
type CompareRequest struct {
	Protocols []string `json:"protocols"`
}

// HistoryResponse wraps one page of recorded assessments for a slug.
type HistoryResponse struct {
	Slug        string             `json:"slug"`
	Assessments []*risk.Assessment `json:"assessments"`
	Count       int                `json:"count"`
	NextCursor  string             `json:"next_cursor,omitempty"`
	HasMore     bool               `json:"has_more"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GET /v1/protocols/:name/risk
func (s *Server) analyzeHandler(c *gin.Context) {
	a, err := s.analyzer.Analyze(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// POST /v1/compare
func (s *Server) compareHandler(c *gin.Context) {
	var req CompareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.Count("protocols", len(req.Protocols), risk.MinCompare, risk.MaxCompare),
	}
	for i, p := range req.Protocols {
		checks = append(checks, validation.ProtocolQuery("protocols["+strconv.Itoa(i)+"]", p))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	cmp, err := s.analyzer.Compare(c.Request.Context(), req.Protocols)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// GET /v1/protocols/:name/incidents?min_severity=high
func (s *Server) incidentsHandler(c *gin.Context) {
	raw := c.Query("min_severity")
	if errs := validation.Validate(validation.OneOf("min_severity", raw,
		string(incidents.SeverityLow), string(incidents.SeverityMedium),
		string(incidents.SeverityHigh), string(incidents.SeverityCritical),
	)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}
	minSeverity, _ := incidents.ParseSeverity(raw)

	report, err := s.analyzer.Incidents(c.Request.Context(), c.Param("name"), minSeverity)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /v1/protocols/:name/history?limit=20&cursor=...
func (s *Server) historyHandler(c *gin.Context) {
	raw := c.Query("limit")
	if errs := validation.Validate(validation.IntInRange("limit", raw, 1, 100)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}
	limit, _ := strconv.Atoi(raw)

	page, err := s.analyzer.History(c.Request.Context(), c.Param("name"), c.Query("cursor"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{
		Slug:        page.Slug,
		Assessments: page.Assessments,
		Count:       len(page.Assessments),
		NextCursor:  page.NextCursor,
		HasMore:     page.HasMore,
	})
}

// respondError maps service errors onto HTTP statuses. Anything
// unrecognised is logged and reported as internal.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, analyzer.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "timeout",
			"message": "Assessment timed out",
		})
	case errors.Is(err, protocol.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "upstream_unavailable",
			"message": "Protocol data source is unavailable, try again later",
		})
	case errors.Is(err, protocol.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "protocol_not_found",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
