package elasticsearch

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPort   = 9200
	DefaultScheme = "http"
)

// Endpoint is one node address of the cluster.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s", e.Scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

func (e Endpoint) String() string { return e.URL() }

// ParseEndpoints parses a comma separated list of [scheme://]host[:port] entries.
// A single bad entry fails the whole list.
func ParseEndpoints(hosts string) ([]Endpoint, error) {
	parts := strings.Split(hosts, ",")
	endpoints := make([]Endpoint, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid hosts %q: entry %d is empty", hosts, i)
		}
		e, err := parseEndpoint(part)
		if err != nil {
			return nil, fmt.Errorf("invalid hosts %q: %w", hosts, err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

func parseEndpoint(raw string) (Endpoint, error) {
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = DefaultScheme + "://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("endpoint %q: paths are not supported", raw)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: no host specified", raw)
	}
	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", raw, p)
		}
	} else if strings.HasSuffix(u.Host, ":") {
		return Endpoint{}, fmt.Errorf("endpoint %q: empty port", raw)
	}
	return Endpoint{Scheme: u.Scheme, Host: host, Port: port}, nil
}
