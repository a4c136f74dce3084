package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/:gateway"),
		attribute.String("signature", "sha256=abc"),
		attribute.String("account_number", "123"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorUnwrapsNothing(t *testing.T) {
	base := errors.New("boom")
	err := SafeError(fmt.Errorf("wrapped: %w", base))
	assert.EqualError(t, err, "wrapped: boom")
	assert.False(t, errors.Is(err, base))
	assert.Nil(t, SafeError(nil))
}
