// Package schema classifies the DDL statements found in the change log so the pipeline
// can react to tables appearing, changing shape or going away.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

type DDLType string

const (
	DDLTypeCreateTable   DDLType = "CREATE_TABLE"
	DDLTypeAlterTable    DDLType = "ALTER_TABLE"
	DDLTypeDropTable     DDLType = "DROP_TABLE"
	DDLTypeRenameTable   DDLType = "RENAME_TABLE"
	DDLTypeTruncateTable DDLType = "TRUNCATE_TABLE"
	DDLTypeOther         DDLType = "OTHER"
)

// DDLStatement is the outcome of classifying one statement.
type DDLStatement struct {
	Type   DDLType `json:"type"`
	RawSQL string  `json:"raw_sql"`

	// Tables lists the tables the statement affects. For a rename these are the new names.
	Tables []split.TableID `json:"tables,omitempty"`

	// RenamedFrom holds the previous names of a rename, aligned with Tables.
	RenamedFrom []split.TableID `json:"renamed_from,omitempty"`
}

type DDLParser struct {
	logger *zap.Logger
}

const identifierPattern = "(?:`((?:[^`]|``)+)`|([\\w$]+))"

var (
	leadingCommentsRegex = regexp.MustCompile(`(?s)^\s*(?:(?:/\*.*?\*/|--[^\n]*\n|#[^\n]*\n)\s*)*`)
	qualifiedNameRegex   = regexp.MustCompile(`^\s*` + identifierPattern + `(?:\s*\.\s*` + identifierPattern + `)?`)

	createTableRegex   = regexp.MustCompile(`(?is)^CREATE\s+(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?`)
	alterTableRegex    = regexp.MustCompile(`(?is)^ALTER\s+(?:ONLINE\s+|IGNORE\s+)*TABLE\s+`)
	dropTableRegex     = regexp.MustCompile(`(?is)^DROP\s+(?:TEMPORARY\s+)?TABLES?\s+(?:IF\s+EXISTS\s+)?`)
	renameTableRegex   = regexp.MustCompile(`(?is)^RENAME\s+TABLES?\s+`)
	truncateTableRegex = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?`)

	alterRenameRegex       = regexp.MustCompile(`(?is)^\s+RENAME\s+(?:TO\s+|AS\s+)?`)
	alterRenameColumnRegex = regexp.MustCompile(`(?is)^\s+RENAME\s+(?:COLUMN|INDEX|KEY)\s`)
	renameToRegex          = regexp.MustCompile(`(?is)^\s+TO\s+`)
	listSeparator          = regexp.MustCompile(`^\s*,`)
)

func NewDDLParser(logger *zap.Logger) *DDLParser {
	return &DDLParser{
		logger: logger,
	}
}

// Parse classifies sql. Unqualified table names resolve against defaultSchema, the
// database that was current when the statement ran.
func (p *DDLParser) Parse(sql, defaultSchema string) (*DDLStatement, error) {
	trimmed := strings.TrimSpace(leadingCommentsRegex.ReplaceAllString(sql, ""))
	if trimmed == "" {
		return nil, fmt.Errorf("empty DDL statement")
	}
	stmt := &DDLStatement{RawSQL: sql}

	var err error
	switch {
	case createTableRegex.MatchString(trimmed):
		stmt.Type = DDLTypeCreateTable
		err = p.parseSingle(stmt, trimmed[len(createTableRegex.FindString(trimmed)):], defaultSchema)

	case alterTableRegex.MatchString(trimmed):
		err = p.parseAlter(stmt, trimmed[len(alterTableRegex.FindString(trimmed)):], defaultSchema)

	case dropTableRegex.MatchString(trimmed):
		stmt.Type = DDLTypeDropTable
		stmt.Tables, err = parseNameList(trimmed[len(dropTableRegex.FindString(trimmed)):], defaultSchema)

	case renameTableRegex.MatchString(trimmed):
		stmt.Type = DDLTypeRenameTable
		err = p.parseRename(stmt, trimmed[len(renameTableRegex.FindString(trimmed)):], defaultSchema)

	case truncateTableRegex.MatchString(trimmed):
		stmt.Type = DDLTypeTruncateTable
		err = p.parseSingle(stmt, trimmed[len(truncateTableRegex.FindString(trimmed)):], defaultSchema)

	default:
		stmt.Type = DDLTypeOther
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s statement: %w", stmt.Type, err)
	}

	p.logger.Debug("Parsed DDL statement",
		zap.String("type", string(stmt.Type)),
		zap.Int("table_count", len(stmt.Tables)))
	return stmt, nil
}

func (p *DDLParser) parseSingle(stmt *DDLStatement, rest, defaultSchema string) error {
	table, _, err := readTableName(rest, defaultSchema)
	if err != nil {
		return err
	}
	stmt.Tables = []split.TableID{table}
	return nil
}

// parseAlter treats ALTER TABLE ... RENAME TO as a rename, everything else as a change
// of the table's columns or options.
func (p *DDLParser) parseAlter(stmt *DDLStatement, rest, defaultSchema string) error {
	table, rest, err := readTableName(rest, defaultSchema)
	if err != nil {
		return err
	}
	if m := alterRenameRegex.FindString(rest); m != "" && !alterRenameColumnRegex.MatchString(rest) {
		renamed, _, err := readTableName(rest[len(m):], defaultSchema)
		if err == nil {
			stmt.Type = DDLTypeRenameTable
			stmt.Tables = []split.TableID{renamed}
			stmt.RenamedFrom = []split.TableID{table}
			return nil
		}
	}
	stmt.Type = DDLTypeAlterTable
	stmt.Tables = []split.TableID{table}
	return nil
}

// parseRename reads "a TO b[, c TO d ...]".
func (p *DDLParser) parseRename(stmt *DDLStatement, rest, defaultSchema string) error {
	for {
		from, after, err := readTableName(rest, defaultSchema)
		if err != nil {
			return err
		}
		m := renameToRegex.FindString(after)
		if m == "" {
			return fmt.Errorf("expected TO after %s", from)
		}
		to, after, err := readTableName(after[len(m):], defaultSchema)
		if err != nil {
			return err
		}
		stmt.RenamedFrom = append(stmt.RenamedFrom, from)
		stmt.Tables = append(stmt.Tables, to)

		sep := listSeparator.FindString(after)
		if sep == "" {
			return nil
		}
		rest = after[len(sep):]
	}
}

func parseNameList(rest, defaultSchema string) ([]split.TableID, error) {
	var tables []split.TableID
	for {
		table, after, err := readTableName(rest, defaultSchema)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)

		sep := listSeparator.FindString(after)
		if sep == "" {
			return tables, nil
		}
		rest = after[len(sep):]
	}
}

// readTableName reads a possibly qualified, possibly backtick-quoted name and returns
// the text that follows it.
func readTableName(s, defaultSchema string) (split.TableID, string, error) {
	m := qualifiedNameRegex.FindStringSubmatch(s)
	if m == nil {
		return split.TableID{}, s, fmt.Errorf("expected table name at %q", truncate(s, 32))
	}
	first := identifier(m[1], m[2])
	second := identifier(m[3], m[4])

	table := split.NewTableID("", defaultSchema, first)
	if second != "" {
		table = split.NewTableID("", first, second)
	}
	return table, s[len(m[0]):], nil
}

func identifier(quoted, bare string) string {
	if quoted != "" {
		return strings.ReplaceAll(quoted, "``", "`")
	}
	return bare
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
