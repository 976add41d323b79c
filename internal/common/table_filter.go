package common

import (
	"fmt"
	"regexp"

	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// TableFilter decides which tables are captured. Names are matched both
// qualified ("schema.table") and bare.
type TableFilter struct {
	includeRegex  []*regexp.Regexp
	excludeRegex  []*regexp.Regexp
	includeTables map[string]bool
	excludeTables map[string]bool
}

func NewTableFilter(cfg config.TableFilterConfig) (*TableFilter, error) {
	tf := &TableFilter{
		includeTables: make(map[string]bool),
		excludeTables: make(map[string]bool),
	}

	var err error
	if tf.includeRegex, err = compilePatterns(cfg.IncludePatterns, "include"); err != nil {
		return nil, err
	}
	if tf.excludeRegex, err = compilePatterns(cfg.ExcludePatterns, "exclude"); err != nil {
		return nil, err
	}

	for _, table := range cfg.IncludeTables {
		tf.includeTables[table] = true
	}
	for _, table := range cfg.ExcludeTables {
		tf.excludeTables[table] = true
	}

	return tf, nil
}

func compilePatterns(patterns []string, kind string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern '%s': %w", kind, pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// ShouldProcessTable applies exclusions first; with no include rules every other table is captured.
func (tf *TableFilter) ShouldProcessTable(table split.TableID) bool {
	names := []string{table.String(), table.Table}

	for _, name := range names {
		if tf.excludeTables[name] || matchesAny(tf.excludeRegex, name) {
			return false
		}
	}

	if len(tf.includeTables) == 0 && len(tf.includeRegex) == 0 {
		return true
	}

	for _, name := range names {
		if tf.includeTables[name] || matchesAny(tf.includeRegex, name) {
			return true
		}
	}
	return false
}

// Filter returns the captured subset of tables, preserving order.
func (tf *TableFilter) Filter(tables []split.TableID) []split.TableID {
	kept := make([]split.TableID, 0, len(tables))
	for _, t := range tables {
		if tf.ShouldProcessTable(t) {
			kept = append(kept, t)
		}
	}
	return kept
}

func matchesAny(res []*regexp.Regexp, name string) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
