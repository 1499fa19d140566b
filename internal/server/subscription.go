package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/postbill/internal/subscription/domain"
)

func (s *Server) GetSubscription(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, subscriptiondomain.ErrInvalidOrganization)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CreateSubscription(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, subscriptiondomain.ErrInvalidOrganization)
		return
	}

	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	// The body never overrides the tenant on the request.
	req.OrgID = orgID

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	s.subscriptionAction(c, s.subscriptionSvc.Cancel)
}

func (s *Server) PauseSubscription(c *gin.Context) {
	s.subscriptionAction(c, s.subscriptionSvc.Pause)
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	s.subscriptionAction(c, s.subscriptionSvc.Resume)
}

func (s *Server) subscriptionAction(c *gin.Context, action func(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error)) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, subscriptiondomain.ErrInvalidOrganization)
		return
	}

	sub, err := action(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}
