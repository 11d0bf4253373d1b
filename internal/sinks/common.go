// Package sinks implements the destination writers. A sink is anything
// satisfying types.Sink; the dispatcher treats them uniformly. The pgx sink
// serves Postgres and TimescaleDB (transactional upsert + offsets in one
// transaction); the ClickHouse sink relies on ReplacingMergeTree for
// idempotency and commits offsets as a separate deduplicated write.
package sinks

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// SecretManager resolves secrets referenced by sink configuration.
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// envSecretManager reads secrets from environment variables.
type envSecretManager struct{}

// GetSecret retrieves a secret from the environment.
func (sm *envSecretManager) GetSecret(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret %s not found", key)
	}
	return value, nil
}

// NewEnvSecretManager creates an environment-backed secret manager.
func NewEnvSecretManager() SecretManager {
	return &envSecretManager{}
}

// TLSConfig configuration for TLS connections.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// createTLSConfig creates a tls.Config from configuration.
func createTLSConfig(config TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
	}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load cert/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if config.CAFile != "" {
		caCert, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
