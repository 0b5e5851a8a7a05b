package database

import (
	"context"
	"fmt"
	"strings"

	"entgo.io/ent/dialect"
)

// Table names.
const (
	TableUsers          = "users"
	TableReferrers      = "referrers"
	TableCodes          = "codes"
	TableRedemptions    = "redemptions"
	TablePayoutRequests = "payout_requests"
)

// schema uses {{money}} for decimal columns; it is rendered per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		partner_status TEXT NOT NULL DEFAULT '',
		ambassador_status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (email)`,

	`CREATE TABLE IF NOT EXISTS referrers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users (id),
		role TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		commission_rate {{money}},
		total_revenue {{money}} NOT NULL DEFAULT 0,
		available_balance {{money}} NOT NULL DEFAULT 0,
		paid_out_total {{money}} NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		code_id TEXT NOT NULL DEFAULT '',
		payout_account_id TEXT NOT NULL DEFAULT '',
		payouts_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		payout_disabled_reason TEXT NOT NULL DEFAULT '',
		approved_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS referrers_user_role_key ON referrers (user_id, role)`,

	`CREATE TABLE IF NOT EXISTS codes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		discount_rate {{money}} NOT NULL,
		valid_from TIMESTAMP NULL,
		valid_to TIMESTAMP NULL,
		times_used INTEGER NOT NULL DEFAULT 0,
		usage_limit INTEGER NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS codes_code_key ON codes (code)`,
	`CREATE INDEX IF NOT EXISTS codes_referrer_idx ON codes (referrer_id)`,

	`CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL,
		code_id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		role TEXT NOT NULL,
		original_amount {{money}} NOT NULL,
		discount_rate {{money}} NOT NULL,
		discount_amount {{money}} NOT NULL,
		final_amount {{money}} NOT NULL,
		commission_rate {{money}} NOT NULL,
		referrer_revenue {{money}} NOT NULL,
		platform_revenue {{money}} NOT NULL,
		redeemed_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS redemptions_user_code_key ON redemptions (user_id, code)`,
	`CREATE INDEX IF NOT EXISTS redemptions_referrer_idx ON redemptions (referrer_id, redeemed_at)`,

	`CREATE TABLE IF NOT EXISTS payout_requests (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		payout_account_id TEXT NOT NULL,
		requested_amount {{money}} NOT NULL,
		settled_amount {{money}} NULL,
		amount_minor BIGINT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		transfer_id TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payout_requests_referrer_idx ON payout_requests (referrer_id)`,
	`CREATE INDEX IF NOT EXISTS payout_requests_status_idx ON payout_requests (status)`,
	// at most one open request per referrer
	`CREATE UNIQUE INDEX IF NOT EXISTS payout_requests_open_key ON payout_requests (referrer_id) WHERE status = 'pending'`,
}

// Migrate creates all tables and indexes if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	moneyType := "NUMERIC(20,8)"
	if c.dialect == dialect.SQLite {
		moneyType = "NUMERIC"
	}
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{money}}", moneyType)
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
