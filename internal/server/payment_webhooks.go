package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandlePaymentWebhook accepts a raw provider delivery. Duplicates and
// events for unknown invoices are absorbed inside the webhook service, so a
// 200 here only means the delivery was accepted.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
