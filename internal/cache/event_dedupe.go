package cache

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/propertypay/internal/config"
)

// EventDeduper is the fast path in front of the webhook_events table. The table
// stays authoritative; a miss here never skips the database check.
type EventDeduper struct {
	client   *redis.Client
	settings *config.SettlementConfigHolder
}

func NewEventDeduper(client *redis.Client, settings *config.SettlementConfigHolder) *EventDeduper {
	if client == nil {
		return nil
	}
	return &EventDeduper{client: client, settings: settings}
}

// Seen reports whether the event was already committed. It never writes, so a
// delivery that is still in flight or that failed leaves no mark behind.
func (d *EventDeduper) Seen(ctx context.Context, gateway, eventID string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	n, err := d.client.Exists(ctx, EventKey(gateway, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records a committed event. Call it only after the webhook_events row
// is durable.
func (d *EventDeduper) Mark(ctx context.Context, gateway, eventID string) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Set(ctx, EventKey(gateway, eventID), time.Now().UTC().Unix(), d.ttl()).Err()
}

func (d *EventDeduper) ttl() time.Duration {
	if d.settings == nil {
		return config.DefaultSettlementConfig().EventDedupeTTL
	}
	ttl := d.settings.Get().EventDedupeTTL
	if ttl <= 0 {
		return config.DefaultSettlementConfig().EventDedupeTTL
	}
	return ttl
}

func EventKey(gateway, eventID string) string {
	return "webhook:event:" + strings.ToLower(strings.TrimSpace(gateway)) + ":" + strings.TrimSpace(eventID)
}
