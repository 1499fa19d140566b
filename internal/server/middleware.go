package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/postbill/internal/orgcontext"
	"github.com/smallbiznis/postbill/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	HeaderOrg       = "X-Org-ID"
	HeaderRequestID = "X-Request-ID"

	contextOrgIDKey = "org_id"
)

// RequestID guarantees a correlation id on every request context and echoes
// it back to the caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		ctx := c.Request.Context()
		if cid != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, cid)
		}
		ctx, cid = correlation.EnsureCorrelationID(ctx)

		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, cid)
		c.Next()
	}
}

// RequestLogger emits one structured line per request after it completes.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", correlation.ExtractCorrelationID(c.Request.Context())),
		)
	}
}

// OrgContext resolves the tenant from the X-Org-ID header and injects it into
// the request context. Every org-scoped route sits behind this.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, newValidationError("org_id", "missing_org", "missing "+HeaderOrg+" header"))
			return
		}

		orgID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("org_id", "invalid_org", "invalid "+HeaderOrg+" header"))
			return
		}

		c.Set(contextOrgIDKey, orgID)
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}

// OrgRateLimit throttles org-scoped API calls. A limiter backend failure
// lets the request through.
func (s *Server) OrgRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		orgID, ok := orgFromContext(c)
		if !ok {
			c.Next()
			return
		}

		allowed, err := s.limiter.AllowOrg(c.Request.Context(), orgID.String())
		if err != nil {
			s.log.Warn("org rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

// WebhookRateLimit throttles inbound provider deliveries per provider.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		provider := strings.TrimSpace(c.Param("provider"))
		allowed, err := s.limiter.AllowWebhook(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func orgFromContext(c *gin.Context) (snowflake.ID, bool) {
	if value, exists := c.Get(contextOrgIDKey); exists {
		if orgID, ok := value.(snowflake.ID); ok {
			return orgID, true
		}
	}
	return orgcontext.OrgIDFromContext(c.Request.Context())
}
