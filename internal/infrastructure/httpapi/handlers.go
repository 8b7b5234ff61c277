package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

const defaultListLimit = 50

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if err := s.plugins.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "timestamp": time.Now().UTC()})
}

func (s *Server) handleStats(c *gin.Context) {
	repoStats, err := s.plugins.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	cacheStats := s.validator.Cache().Stats()
	c.JSON(http.StatusOK, gin.H{
		"repository": repoStats,
		"validationCache": gin.H{
			"size":        cacheStats.Size,
			"capacity":    cacheStats.Capacity,
			"hits":        cacheStats.Hits,
			"misses":      cacheStats.Misses,
			"evictions":   cacheStats.Evictions,
			"hitRate":     cacheStats.HitRate(),
			"oldestEntry": cacheStats.OldestEntry,
		},
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleList(c *gin.Context) {
	opts := ports.ListOptions{
		Status:     entities.PluginStatus(c.Query("status")),
		SortBy:     ports.SortField(c.DefaultQuery("sortBy", string(ports.SortByName))),
		Descending: c.Query("order") == "desc",
		Offset:     intQuery(c, "offset", 0),
		Limit:      intQuery(c, "limit", defaultListLimit),
	}
	records, err := s.plugins.List(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": records, "count": len(records)})
}

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, apperrors.NewValidationError("multipart field 'file' is required"))
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType != "application/zip" && !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".zip") {
		writeError(c, apperrors.NewValidationError("bundle must be a ZIP archive",
			fmt.Sprintf("unsupported content type %q", contentType)))
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, apperrors.NewUploadError("failed to open uploaded file", err.Error()))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, apperrors.NewUploadError("failed to read uploaded file", err.Error()))
		return
	}

	result, err := s.ingest.Upload(c.Request.Context(), data, services.UploadOptions{
		MakeActive: c.DefaultQuery("activate", "true") != "false",
		UserAgent:  c.Request.UserAgent(),
		IPAddress:  c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleGet(c *gin.Context) {
	record, err := s.plugins.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDownload(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	record, err := s.plugins.GetByName(ctx, name)
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := s.blobs.ReadAll(ctx, name, record.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.plugins.RecordDownload(ctx, name, c.Request.UserAgent(), c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%s.zip", name, record.Version)))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleDelete(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	versions, _ := s.lifecycle.ListVersions(ctx, name)
	if err := s.plugins.Delete(ctx, name); err != nil {
		writeError(c, err)
		return
	}
	// Blob removal is best effort; the records are already gone.
	for _, v := range versions {
		if err := s.blobs.Delete(ctx, name, v.Version); err != nil {
			s.logger.Warn("failed to delete bundle blob",
				"plugin", name, "version", v.Version, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"plugins": []*entities.PluginRecord{}, "count": 0})
		return
	}
	records, err := s.plugins.Search(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": records, "count": len(records), "query": query})
}

func (s *Server) handleListVersions(c *gin.Context) {
	name := c.Param("name")
	versions, err := s.lifecycle.ListVersions(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(versions) == 0 {
		writeError(c, apperrors.NewPluginNotFoundError(name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pluginName": name, "versions": versions, "count": len(versions)})
}

func (s *Server) handlePromote(c *gin.Context) {
	record, err := s.lifecycle.Promote(c.Request.Context(), c.Param("name"), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleRollback(c *gin.Context) {
	var body struct {
		Reason                 string `json:"reason"`
		PreserveCurrentVersion bool   `json:"preserveCurrentVersion"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		writeError(c, apperrors.NewValidationError("invalid rollback request", err.Error()))
		return
	}
	record, err := s.lifecycle.Rollback(c.Request.Context(), c.Param("name"), c.Param("version"),
		services.RollbackOptions{Reason: body.Reason, PreserveCurrentVersion: body.PreserveCurrentVersion})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleCompatibility(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		writeError(c, apperrors.NewValidationError("query parameters 'from' and 'to' are required"))
		return
	}
	report, err := s.lifecycle.CheckCompatibility(c.Request.Context(), c.Param("name"), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleTrustLevels(c *gin.Context) {
	levels := values.AllTrustLevels()
	out := make([]gin.H, 0, len(levels))
	for _, level := range levels {
		out = append(out, gin.H{"name": level.String(), "rank": level.Rank()})
	}
	c.JSON(http.StatusOK, gin.H{"levels": out})
}

func (s *Server) handleTrustPolicy(c *gin.Context) {
	raw := c.Param("level")
	level, err := values.NewTrustLevel(raw)
	if err != nil {
		writeError(c, apperrors.NewNotFoundError("trust level", raw))
		return
	}
	policy, ok := s.trust.PolicyFor(level)
	if !ok {
		writeError(c, apperrors.NewNotFoundError("trust policy", raw))
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleGetTrustLevel(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	if _, err := s.plugins.GetByName(ctx, name); err != nil {
		writeError(c, err)
		return
	}
	level, err := s.trust.GetTrustLevel(ctx, name, c.Query("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	assignments, err := s.trust.ListAssignments(ctx, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pluginName":  name,
		"trustLevel":  level,
		"assignments": assignments,
	})
}

func (s *Server) handlePutTrustLevel(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	var body struct {
		TrustLevel  string `json:"trustLevel" binding:"required"`
		Version     string `json:"version"`
		RequestedBy string `json:"requestedBy" binding:"required"`
		Reason      string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.NewValidationError("invalid trust level request", err.Error()))
		return
	}
	requested, err := values.NewTrustLevel(body.TrustLevel)
	if err != nil {
		writeError(c, apperrors.NewValidationError("invalid trust level", err.Error()))
		return
	}

	if _, err := s.plugins.GetByName(ctx, name); err != nil {
		writeError(c, err)
		return
	}
	current, err := s.trust.GetTrustLevel(ctx, name, body.Version)
	if err != nil {
		writeError(c, err)
		return
	}

	applied, err := s.trust.RequestChange(ctx, &trust.ChangeRequest{
		PluginName:     name,
		Version:        body.Version,
		CurrentLevel:   current,
		RequestedLevel: requested,
		RequestedBy:    body.RequestedBy,
		Justification:  body.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	effective := current
	if applied {
		effective = requested
	}
	c.JSON(http.StatusOK, gin.H{
		"pluginName": name,
		"applied":    applied,
		"trustLevel": effective,
	})
}

func (s *Server) handleCapabilityCheck(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	var body struct {
		Capability string `json:"capability" binding:"required"`
		Version    string `json:"version"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.NewValidationError("invalid capability check request", err.Error()))
		return
	}
	if _, err := s.plugins.GetByName(ctx, name); err != nil {
		writeError(c, err)
		return
	}

	allowed, reason, err := s.trust.CanPerformCapability(ctx, name, body.Capability, body.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed, "reason": reason})
}

func (s *Server) handleTrustViolation(c *gin.Context) {
	name := c.Param("name")

	var body struct {
		Version     string            `json:"version"`
		Capability  string            `json:"capability"`
		Severity    string            `json:"severity" binding:"required"`
		Action      string            `json:"action" binding:"required"`
		Description string            `json:"description"`
		Details     map[string]string `json:"details"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.NewValidationError("invalid violation request", err.Error()))
		return
	}
	severity, err := values.NewRiskLevel(body.Severity)
	if err != nil {
		writeError(c, apperrors.NewValidationError("invalid severity", err.Error()))
		return
	}

	violation := &trust.Violation{
		PluginName:  name,
		Version:     body.Version,
		Capability:  body.Capability,
		Severity:    severity,
		Action:      trust.ViolationAction(body.Action),
		Description: body.Description,
		Details:     body.Details,
	}
	if err := s.trust.RecordViolation(c.Request.Context(), violation); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, violation)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
