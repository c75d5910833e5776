package postgres

import "errors"

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("outbox postgres: pool is required")
	// ErrExecutorRequired is returned when InsertTx is called with a nil executor.
	ErrExecutorRequired = errors.New("outbox postgres: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox postgres: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox postgres: invalid table name")
)
