package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const maxIdentifierLen = 63

// sanitizeTableName validates name (table or schema.table) and returns it quoted.
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for _, part := range parts {
		if !validIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return pgx.Identifier(parts).Sanitize(), nil
}

func validIdentifier(part string) bool {
	if part == "" || len(part) > maxIdentifierLen {
		return false
	}
	for _, r := range part {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}

	return true
}
