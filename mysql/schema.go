package mysql

import (
	"fmt"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	entity_type VARCHAR(128) NOT NULL,
	operation VARCHAR(64) NOT NULL,
	entity_id VARCHAR(128) NOT NULL DEFAULT '',
	payload %s NOT NULL,
	endpoint VARCHAR(512) NOT NULL,
	http_method VARCHAR(10) NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	last_error VARCHAR(1024) NULL,
	last_status_code INT NULL,
	created_at DATETIME(6) NOT NULL,
	last_attempt_at DATETIME(6) NULL,
	sent_at DATETIME(6) NULL,
	next_attempt_at DATETIME(6) NULL,
	priority INT NOT NULL DEFAULT 0,
	PRIMARY KEY (id),
	INDEX idx_dispatch (status, priority, created_at),
	INDEX idx_sent (status, sent_at),
	INDEX idx_entity (entity_type, entity_id)
);`

const bindingSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id TINYINT NOT NULL,
	token TEXT NOT NULL,
	tenant_id VARCHAR(128) NOT NULL,
	tenant VARCHAR(128) NOT NULL DEFAULT '',
	agent_name VARCHAR(128) NOT NULL,
	company_id VARCHAR(128) NOT NULL DEFAULT '',
	expires_at DATETIME(6) NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the DDL for an outbox table with a JSON payload column. MySQL normalizes JSON
// documents, so the delivered body may differ in whitespace and key order from what was enqueued.
func Schema(table string) (string, error) {
	return buildSchema(schemaTemplate, table, payloadJSON)
}

// SchemaBinary returns the DDL for an outbox table with a LONGBLOB payload column, which keeps
// payload bytes exactly as enqueued.
func SchemaBinary(table string) (string, error) {
	return buildSchema(schemaTemplate, table, payloadBinary)
}

// BindingSchema returns the DDL for the single-row tenant binding table.
func BindingSchema(table string) (string, error) {
	name, err := quoteTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(bindingSchemaTemplate, name), nil
}

func buildSchema(template, table, payloadType string) (string, error) {
	name, err := quoteTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(template, name, payloadType), nil
}
