package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	"github.com/smallbiznis/propertypay/internal/webhook/signature"
)

// HandleGatewayWebhook verifies and applies one provider delivery. Anything
// other than 2xx makes the provider redeliver, so only failures to store or
// apply the event return 5xx.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	name := strings.ToLower(strings.TrimSpace(c.Param("gateway")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithGateway(c.Request.Context(), name)
	result, err := s.webhooks.Ingest(ctx, name, payload, c.GetHeader(signature.SignatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obscontext.WebhookOutcomeKey, result.Outcome)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": result.Outcome})
}
