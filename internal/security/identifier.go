// Package security validates and quotes SQL identifiers. Neither MySQL nor ClickHouse
// accepts identifiers as bound parameters, so every table and column name that ends up
// in a query string goes through this package.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

const maxIdentifierLength = 255

var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

// ValidateIdentifier accepts letters, digits, underscore and dollar, starting with a
// letter or underscore. Reserved words are allowed because identifiers are always quoted.
func ValidateIdentifier(identifier string, identifierType string) error {
	if len(identifier) == 0 {
		return fmt.Errorf("%s cannot be empty", identifierType)
	}
	if len(identifier) > maxIdentifierLength {
		return fmt.Errorf("%s too long (%d characters, max %d): %s", identifierType, len(identifier), maxIdentifierLength, identifier)
	}
	if !identifierRegex.MatchString(identifier) {
		return fmt.Errorf("%s contains invalid characters: %s", identifierType, identifier)
	}
	return nil
}

// EscapeIdentifier wraps identifier in backticks, doubling embedded ones.
// Both MySQL and ClickHouse use this quoting.
func EscapeIdentifier(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func ValidateAndEscapeIdentifier(identifier string, identifierType string) (string, error) {
	if err := ValidateIdentifier(identifier, identifierType); err != nil {
		return "", err
	}
	return EscapeIdentifier(identifier), nil
}

// QuoteTable renders `schema`.`table`, or just `table` when the schema is empty.
// The catalog is not part of MySQL names and is ignored.
func QuoteTable(table split.TableID) (string, error) {
	name, err := ValidateAndEscapeIdentifier(table.Table, "table name")
	if err != nil {
		return "", err
	}
	if table.Schema == "" {
		return name, nil
	}
	schema, err := ValidateAndEscapeIdentifier(table.Schema, "database name")
	if err != nil {
		return "", err
	}
	return schema + "." + name, nil
}

// QuoteColumns validates and quotes every column name, preserving order.
func QuoteColumns(columns []string) ([]string, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		q, err := ValidateAndEscapeIdentifier(c, "column name")
		if err != nil {
			return nil, err
		}
		quoted[i] = q
	}
	return quoted, nil
}
