package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schema contains the table definitions. Statements are idempotent so the
// service can run them on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trunkdial_ports (
		id VARCHAR(36) PRIMARY KEY,
		owner_id VARCHAR(36) NOT NULL,
		trunk VARCHAR(64) NOT NULL,
		port_number INT NOT NULL,
		sip_username VARCHAR(128) NOT NULL DEFAULT '',
		sip_secret VARCHAR(128) NOT NULL DEFAULT '',
		state VARCHAR(16) NOT NULL DEFAULT 'available',
		current_job_id VARCHAR(36) NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_port (owner_id, trunk, port_number),
		KEY idx_port_job (current_job_id),
		KEY idx_port_owner_state (owner_id, state)
	)`,
	`CREATE TABLE IF NOT EXISTS trunkdial_campaigns (
		id VARCHAR(36) PRIMARY KEY,
		owner_id VARCHAR(36) NOT NULL,
		name VARCHAR(128) NOT NULL,
		caller_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS trunkdial_contacts (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		campaign_id VARCHAR(36) NOT NULL,
		phone_number VARCHAR(32) NOT NULL,
		KEY idx_contact_campaign (campaign_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trunkdial_jobs (
		id VARCHAR(36) PRIMARY KEY,
		campaign_id VARCHAR(36) NOT NULL,
		owner_id VARCHAR(36) NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'starting',
		total_calls INT NOT NULL DEFAULT 0,
		completed_calls INT NOT NULL DEFAULT 0,
		successful_calls INT NOT NULL DEFAULT 0,
		failed_calls INT NOT NULL DEFAULT 0,
		max_concurrent_calls INT NOT NULL DEFAULT 0,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		ended_at TIMESTAMP NULL,
		KEY idx_job_campaign (campaign_id, state)
	)`,
	`CREATE TABLE IF NOT EXISTS trunkdial_queue_items (
		id VARCHAR(36) PRIMARY KEY,
		job_id VARCHAR(36) NOT NULL,
		campaign_id VARCHAR(36) NOT NULL,
		phone_number VARCHAR(32) NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'queued',
		assigned_port VARCHAR(36) NULL,
		call_handle VARCHAR(36) NULL,
		result VARCHAR(255) NULL,
		attempts INT NOT NULL DEFAULT 0,
		claim_token VARCHAR(36) NULL,
		last_attempt_at TIMESTAMP NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		seq BIGINT AUTO_INCREMENT,
		KEY idx_item_job_state (job_id, state),
		KEY idx_item_claim (claim_token),
		KEY (seq)
	)`,
	`CREATE TABLE IF NOT EXISTS trunkdial_users (
		id VARCHAR(36) PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(128) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'operator',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate creates the schema if it does not exist yet
func Migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("running migration: %w", err)
		}
	}
	log.Println("[Store] Schema verified")
	return nil
}
