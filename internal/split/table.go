package split

import (
	"cmp"
	"fmt"
	"strings"
)

// TableID identifies a captured table. Empty parts are omitted from its string form.
type TableID struct {
	Catalog string
	Schema  string
	Table   string
}

func NewTableID(catalog, schema, table string) TableID {
	return TableID{Catalog: catalog, Schema: schema, Table: table}
}

func (t TableID) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Catalog, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Compare orders identities by catalog, then schema, then table. Unlike String it
// never ties two different identities.
func (t TableID) Compare(other TableID) int {
	return cmp.Or(
		strings.Compare(t.Catalog, other.Catalog),
		strings.Compare(t.Schema, other.Schema),
		strings.Compare(t.Table, other.Table),
	)
}

func (t TableID) IsZero() bool {
	return t.Table == ""
}

// ParseTableID parses "table", "schema.table" or "catalog.schema.table".
func ParseTableID(s string) (TableID, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return TableID{}, fmt.Errorf("invalid table identifier %q", s)
		}
	}

	switch len(parts) {
	case 1:
		return TableID{Table: parts[0]}, nil
	case 2:
		return TableID{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableID{Catalog: parts[0], Schema: parts[1], Table: parts[2]}, nil
	default:
		return TableID{}, fmt.Errorf("invalid table identifier %q: too many parts", s)
	}
}
