package email

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTemplateRendersAndSends(t *testing.T) {
	p := NewSMTP(Config{Host: "smtp.test", Port: 25, From: "no-reply@propertypay.local"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	p.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := p.SendTemplate(context.Background(), []string{"owner@example.com"}, "payout_sent", map[string]any{
		"holder":      "Owner",
		"amount":      "950000",
		"currency":    "IDR",
		"contract_id": "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.test:25", gotAddr)
	assert.Equal(t, []string{"owner@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your payout is on its way")
	assert.Contains(t, gotMsg, "950000 IDR")
}

func TestSendRequiresRecipient(t *testing.T) {
	p := NewSMTP(Config{Host: "smtp.test", Port: 25})
	assert.Error(t, p.Send(context.Background(), nil, "s", "b"))
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("missing", nil)
	assert.Error(t, err)
}
