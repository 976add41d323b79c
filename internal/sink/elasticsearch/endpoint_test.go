package elasticsearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name  string
		hosts string
		want  []string
	}{
		{"two hosts with ports", "a:9200,b:9200", []string{"http://a:9200", "http://b:9200"}},
		{"default port", "es.internal", []string{"http://es.internal:9200"}},
		{"scheme kept", "https://es.internal", []string{"https://es.internal:9200"}},
		{"explicit port and scheme", "https://es.internal:9243", []string{"https://es.internal:9243"}},
		{"spaces trimmed", " a:9201 , b ", []string{"http://a:9201", "http://b:9200"}},
		{"ipv6", "[::1]:9200", []string{"http://[::1]:9200"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoints, err := ParseEndpoints(tt.hosts)
			require.NoError(t, err)
			got := make([]string, len(endpoints))
			for i, e := range endpoints {
				got[i] = e.URL()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEndpointsRejectsWholeListOnBadEntry(t *testing.T) {
	for _, hosts := range []string{
		"",
		"a:9200,,b:9200",
		"a:9200,b:notaport",
		"a:70000",
		"ftp://a:21",
		"http://:9200",
		"a:9200/path",
	} {
		t.Run(hosts, func(t *testing.T) {
			endpoints, err := ParseEndpoints(hosts)
			require.Error(t, err)
			assert.Nil(t, endpoints)
		})
	}
}

func TestEndpointFields(t *testing.T) {
	endpoints, err := ParseEndpoints("a:9200,b:9200")
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, Endpoint{Scheme: "http", Host: "a", Port: 9200}, endpoints[0])
	assert.Equal(t, Endpoint{Scheme: "http", Host: "b", Port: 9200}, endpoints[1])
}
