package mysql

import (
	"fmt"
	"strings"
	"unicode"
)

// quoteTableName validates name (table or schema.table) and returns it with each part
// backtick-quoted.
func quoteTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		if !validIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		quoted = append(quoted, "`"+part+"`")
	}

	return strings.Join(quoted, "."), nil
}

func validIdentifier(part string) bool {
	if part == "" || len(part) > 64 {
		return false
	}
	for _, r := range part {
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			continue
		}

		return false
	}

	return true
}
