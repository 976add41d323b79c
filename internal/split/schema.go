package split

import "slices"

// Column is a single column definition of a SchemaSnapshot.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// SchemaSnapshot is the column layout of a table captured at one point in the change stream.
// It is immutable: the constructor and the accessors copy.
type SchemaSnapshot struct {
	table      TableID
	columns    []Column
	primaryKey []string
	capturedAt Offset
}

func NewSchemaSnapshot(table TableID, columns []Column, primaryKey []string, capturedAt Offset) *SchemaSnapshot {
	return &SchemaSnapshot{
		table:      table,
		columns:    slices.Clone(columns),
		primaryKey: slices.Clone(primaryKey),
		capturedAt: capturedAt,
	}
}

func (s *SchemaSnapshot) Table() TableID { return s.table }

func (s *SchemaSnapshot) Columns() []Column { return slices.Clone(s.columns) }

func (s *SchemaSnapshot) PrimaryKey() []string { return slices.Clone(s.primaryKey) }

// CapturedAt is nil when the capture position is unknown.
func (s *SchemaSnapshot) CapturedAt() Offset { return s.capturedAt }

func (s *SchemaSnapshot) ColumnCount() int { return len(s.columns) }

func (s *SchemaSnapshot) Column(name string) (Column, bool) {
	for _, c := range s.columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s *SchemaSnapshot) Equal(other *SchemaSnapshot) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.table == other.table &&
		slices.Equal(s.columns, other.columns) &&
		slices.Equal(s.primaryKey, other.primaryKey) &&
		OffsetsEqual(s.capturedAt, other.capturedAt)
}
