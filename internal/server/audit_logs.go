package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	if _, ok := orgFromContext(c); !ok {
		AbortWithError(c, auditdomain.ErrInvalidOrganization)
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		req.Limit = limit
	}

	logs, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}
