package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
)

func (s *Server) GetBillingPreferences(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, prefdomain.ErrInvalidOrganization)
		return
	}

	pref, err := s.prefSvc.Get(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}

func (s *Server) UpdateBillingPreferences(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, prefdomain.ErrInvalidOrganization)
		return
	}

	var req prefdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	pref, err := s.prefSvc.Update(c.Request.Context(), orgID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}
