package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
)

type scheduleItemRequest struct {
	Amount  int64     `json:"amount"`
	DueDate time.Time `json:"due_date"`
}

type schedulePaymentsRequest struct {
	Kind     string                `json:"kind"`
	Currency string                `json:"currency"`
	Notes    string                `json:"notes"`
	Items    []scheduleItemRequest `json:"items"`
}

func (s *Server) SchedulePayments(c *gin.Context) {
	contractID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req schedulePaymentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items := make([]paymentdomain.ScheduleItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, paymentdomain.ScheduleItem{Amount: item.Amount, DueDate: item.DueDate})
	}

	resp, err := s.paymentSvc.Schedule(c.Request.Context(), paymentdomain.ScheduleRequest{
		ContractID: contractID,
		Kind:       paymentdomain.Kind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Notes:      strings.TrimSpace(req.Notes),
		Items:      items,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListContractPayments(c *gin.Context) {
	contractID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.ListByContract(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// OpenPaymentSession returns the checkout URL, creating the gateway session
// on first call.
func (s *Server) OpenPaymentSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.OpenSession(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"payment_id":   resp.ID.String(),
		"gateway":      resp.Gateway,
		"session_id":   resp.SessionID(),
		"checkout_url": resp.CheckoutURL,
		"amount_due":   resp.AmountDue(),
		"currency":     resp.Currency,
	}})
}
