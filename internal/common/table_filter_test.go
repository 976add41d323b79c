package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

func TestTableFilter(t *testing.T) {
	orders := split.NewTableID("", "shop", "orders")
	ordersArchive := split.NewTableID("", "shop", "orders_archive")
	customers := split.NewTableID("", "crm", "customers")

	tests := []struct {
		name string
		cfg  config.TableFilterConfig
		want []split.TableID
	}{
		{
			name: "no rules captures everything",
			want: []split.TableID{orders, ordersArchive, customers},
		},
		{
			name: "include qualified name",
			cfg:  config.TableFilterConfig{IncludeTables: []string{"shop.orders"}},
			want: []split.TableID{orders},
		},
		{
			name: "include pattern with exclusion",
			cfg: config.TableFilterConfig{
				IncludePatterns: []string{`^shop\.`},
				ExcludePatterns: []string{`_archive$`},
			},
			want: []split.TableID{orders},
		},
		{
			name: "exclude bare name",
			cfg:  config.TableFilterConfig{ExcludeTables: []string{"customers"}},
			want: []split.TableID{orders, ordersArchive},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, err := NewTableFilter(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tf.Filter([]split.TableID{orders, ordersArchive, customers}))
		})
	}
}

func TestTableFilterRejectsBadPattern(t *testing.T) {
	_, err := NewTableFilter(config.TableFilterConfig{IncludePatterns: []string{"("}})
	assert.Error(t, err)
}
