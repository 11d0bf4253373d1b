// Package transform applies PII/PHI masking to change events before they
// fan out to the destinations. Classification is by column name pattern;
// PHI rules take precedence over PII rules; keys (partition/clustering) are
// never masked.
package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// Strategy is the masking treatment for a column.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyPIIHash
	StrategyPHIToken
)

func (s Strategy) String() string {
	switch s {
	case StrategyPIIHash:
		return "pii_hash"
	case StrategyPHIToken:
		return "phi_token"
	default:
		return "none"
	}
}

// Rules holds the ordered pattern lists for PII and PHI columns.
type Rules struct {
	PIIFields []string `yaml:"pii_fields"`
	PHIFields []string `yaml:"phi_fields"`
}

// DefaultRules are used when no rules file is configured.
func DefaultRules() Rules {
	return Rules{
		PIIFields: []string{"email", "phone", "ssn", "credit_card"},
		PHIFields: []string{"medical_record_number", "patient_id"},
	}
}

// LoadRules reads masking rules from a YAML file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read masking rules %s: %w", path, err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse masking rules %s: %w", path, err)
	}
	return rules, nil
}

// Transformer masks sensitive columns. It owns its rules (no globals) and
// supports atomic rule replacement for hot reload.
type Transformer struct {
	mu     sync.RWMutex
	rules  Rules
	secret []byte
	logger *logrus.Logger
}

// NewTransformer creates a masking transformer. The PHI secret is required
// whenever PHI rules are active; its absence is a configuration error.
func NewTransformer(rules Rules, phiSecret string, logger *logrus.Logger) (*Transformer, error) {
	if len(rules.PHIFields) > 0 && phiSecret == "" {
		return nil, fmt.Errorf("phi masking rules are active but no secret is configured")
	}

	logger.WithFields(logrus.Fields{
		"pii_rules": len(rules.PIIFields),
		"phi_rules": len(rules.PHIFields),
	}).Info("Masking rules loaded")

	return &Transformer{
		rules:  rules,
		secret: []byte(phiSecret),
		logger: logger,
	}, nil
}

// Classify returns the masking strategy for a column name. PHI patterns are
// checked first (more sensitive); matching is substring, case-insensitive.
func (t *Transformer) Classify(columnName string) Strategy {
	t.mu.RLock()
	rules := t.rules
	t.mu.RUnlock()

	lower := strings.ToLower(columnName)
	for _, pattern := range rules.PHIFields {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return StrategyPHIToken
		}
	}
	for _, pattern := range rules.PIIFields {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return StrategyPIIHash
		}
	}
	return StrategyNone
}

// Apply returns a copy of the event with sensitive column values replaced.
// Only the Columns map is visited; partition and clustering keys pass
// through untouched. Deterministic: the same value under the same rules
// always yields the same output.
func (t *Transformer) Apply(event *types.ChangeEvent) *types.ChangeEvent {
	if len(event.Columns) == 0 {
		return event
	}

	masked := event.Clone()
	for name, value := range masked.Columns {
		switch t.Classify(name) {
		case StrategyPIIHash:
			masked.Columns[name] = MaskPII(value)
			metrics.ColumnsMaskedTotal.WithLabelValues("pii_hash").Inc()
		case StrategyPHIToken:
			masked.Columns[name] = t.maskPHI(value)
			metrics.ColumnsMaskedTotal.WithLabelValues("phi_token").Inc()
		}
	}
	return masked
}

// Reload atomically replaces the rule set.
func (t *Transformer) Reload(rules Rules) error {
	if len(rules.PHIFields) > 0 && len(t.secret) == 0 {
		return fmt.Errorf("reloaded rules activate phi masking but no secret is configured")
	}

	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"pii_rules": len(rules.PIIFields),
		"phi_rules": len(rules.PHIFields),
	}).Info("Masking rules reloaded")
	return nil
}

// MaskPII replaces a value with the hex SHA-256 digest of the UTF-8 bytes of
// its string form. Nil passes through; the empty string hashes to the digest
// of the empty byte string.
func MaskPII(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	digest := sha256.Sum256([]byte(stringify(value)))
	return hex.EncodeToString(digest[:])
}

// maskPHI replaces a value with the hex HMAC-SHA-256 token under the
// process-wide secret. Nil passes through.
func (t *Transformer) maskPHI(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(stringify(value)))
	return hex.EncodeToString(mac.Sum(nil))
}

func stringify(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
