// Package dbtest opens in-memory SQLite databases carrying the service schema.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

const schema = `
CREATE TABLE contracts (
	id INTEGER PRIMARY KEY,
	property_id INTEGER NOT NULL,
	owner_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	commission_rate NUMERIC NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	owner_account_number TEXT NOT NULL DEFAULT '',
	owner_account_holder TEXT NOT NULL DEFAULT '',
	owner_routing_code TEXT NOT NULL DEFAULT '',
	owner_email TEXT NOT NULL DEFAULT '',
	agent_account_number TEXT NOT NULL DEFAULT '',
	agent_account_holder TEXT NOT NULL DEFAULT '',
	agent_routing_code TEXT NOT NULL DEFAULT '',
	agent_email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE payments (
	id INTEGER PRIMARY KEY,
	contract_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK (amount > 0),
	currency TEXT NOT NULL,
	due_date TIMESTAMP NOT NULL,
	paid_at TIMESTAMP,
	paid_amount INTEGER NOT NULL DEFAULT 0,
	installment_number INTEGER,
	status TEXT NOT NULL,
	overdue_days INTEGER NOT NULL DEFAULT 0,
	penalty_amount INTEGER NOT NULL DEFAULT 0,
	gateway TEXT NOT NULL DEFAULT '',
	gateway_session_id TEXT,
	checkout_url TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	gateway_updated_at TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE settlements (
	id INTEGER PRIMARY KEY,
	contract_id INTEGER NOT NULL UNIQUE,
	source_payment_id INTEGER NOT NULL,
	currency TEXT NOT NULL,
	collected_amount INTEGER NOT NULL,
	commission_amount INTEGER NOT NULL,
	platform_fee INTEGER NOT NULL,
	net_amount INTEGER NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE payout_requests (
	id INTEGER PRIMARY KEY,
	settlement_id INTEGER NOT NULL,
	source_payment_id INTEGER NOT NULL,
	contract_id INTEGER NOT NULL,
	recipient_role TEXT NOT NULL,
	recipient_id INTEGER NOT NULL,
	amount INTEGER NOT NULL,
	currency TEXT NOT NULL,
	gateway TEXT NOT NULL,
	gateway_payout_id TEXT,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 1,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP,
	failure_reason TEXT NOT NULL DEFAULT '',
	gateway_updated_at TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (source_payment_id, recipient_role)
);
CREATE TABLE webhook_events (
	id INTEGER PRIMARY KEY,
	gateway TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	UNIQUE (gateway, event_id)
);
`

// Open returns a fresh in-memory database with the schema applied. A single
// connection is used so concurrent tests serialise on SQLite's writer lock.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:propertypay_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test id generation.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

type ContractFixture struct {
	ID             snowflake.ID
	OwnerID        snowflake.ID
	AgentID        snowflake.ID
	CommissionRate string
	Currency       string
}

// InsertContract writes a contract with payout destinations for both parties.
func InsertContract(t *testing.T, db *gorm.DB, c ContractFixture) {
	t.Helper()
	if c.Currency == "" {
		c.Currency = "IDR"
	}
	if c.CommissionRate == "" {
		c.CommissionRate = "0.05"
	}
	rate := decimal.RequireFromString(c.CommissionRate)
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO contracts (id, property_id, owner_id, agent_id, commission_rate, currency, status,
			owner_account_number, owner_account_holder, owner_routing_code, owner_email,
			agent_account_number, agent_account_holder, agent_routing_code, agent_email,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'ACTIVE', '111', 'Owner', 'BANKOWN', 'owner@example.com',
			'222', 'Agent', 'BANKAGT', 'agent@example.com', ?, ?)`,
		c.ID, c.ID+1, c.OwnerID, c.AgentID, rate.String(), c.Currency, now, now,
	).Error
	if err != nil {
		t.Fatalf("insert contract: %v", err)
	}
}
