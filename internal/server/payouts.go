package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	"go.uber.org/zap"
)

func (s *Server) GetContract(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.contractSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSettlement(c *gin.Context) {
	contractID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.payoutSvc.GetSettlement(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		AbortWithError(c, payoutdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListContractPayouts(c *gin.Context) {
	contractID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.payoutSvc.ListByContract(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// RetryPayout re-issues a FAILED leg under a fresh attempt key.
func (s *Server) RetryPayout(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.payoutSvc.Retry(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("payout retry requested",
		zap.String("payout_id", resp.ID.String()),
		zap.String("status", string(resp.Status)),
	)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
