// Package connector opens MySQL connections and builds the TLS settings shared by
// plain connections and binlog syncers.
package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/go-mysql-org/go-mysql/client"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

type Connector struct {
	cfg    *config.MySQLConfig
	logger *zap.Logger
}

func New(cfg *config.MySQLConfig, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Connector) Addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Connect opens a connection to database; an empty database selects none.
func (c *Connector) Connect(ctx context.Context, database string) (*client.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsConfig, err := c.TLSConfig()
	if err != nil {
		if c.cfg.SSLMode != config.SSLModePreferred {
			return nil, err
		}
		c.logger.Warn("Failed to build TLS config for preferred mode, falling back to plaintext", zap.Error(err))
		tlsConfig = nil
	}

	var options []client.Option
	if tlsConfig != nil {
		// must be set before the handshake
		options = append(options, func(conn *client.Conn) error {
			conn.SetTLSConfig(tlsConfig)
			return nil
		})
	}
	conn, err := client.Connect(c.Addr(), c.cfg.Username, c.cfg.Password, database, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL at %s: %w", c.Addr(), err)
	}
	return conn, nil
}

// TLSConfig returns nil when SSL is disabled.
func (c *Connector) TLSConfig() (*tls.Config, error) {
	var tlsConfig *tls.Config
	switch c.cfg.SSLMode {
	case config.SSLModeDisabled, "":
		return nil, nil
	case config.SSLModePreferred, config.SSLModeRequired:
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	case config.SSLModeVerifyCA:
		tlsConfig = &tls.Config{}
	case config.SSLModeVerifyIdentity:
		tlsConfig = &tls.Config{ServerName: c.cfg.Host}
	default:
		return nil, fmt.Errorf("unsupported SSL mode: %s", c.cfg.SSLMode)
	}

	if c.cfg.SSLCert != "" && c.cfg.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.SSLCert, c.cfg.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	verifies := c.cfg.SSLMode == config.SSLModeVerifyCA || c.cfg.SSLMode == config.SSLModeVerifyIdentity
	if verifies && c.cfg.SSLCa != "" {
		pool, err := loadCertPool(c.cfg.SSLCa)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
