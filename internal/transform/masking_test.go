package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cassandra-cdc-replicator/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	transformer, err := NewTransformer(DefaultRules(), "k", testLogger())
	require.NoError(t, err)
	return transformer
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacHex(key, s string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

func maskEvent(t *testing.T, transformer *Transformer, columns map[string]interface{}) *types.ChangeEvent {
	t.Helper()
	event, err := types.NewChangeEvent(types.EventInsert, "ecommerce", "users",
		types.KeyColumns{{Column: "user_id", Value: "u-1"}}, nil,
		columns, 1_000_000, nil)
	require.NoError(t, err)
	return transformer.Apply(event)
}

func TestClassifyPrecedenceAndPatterns(t *testing.T) {
	transformer := newTestTransformer(t)

	assert.Equal(t, StrategyPIIHash, transformer.Classify("email"))
	assert.Equal(t, StrategyPIIHash, transformer.Classify("user_email_address")) // substring
	assert.Equal(t, StrategyPIIHash, transformer.Classify("EMAIL"))              // case-insensitive
	assert.Equal(t, StrategyPHIToken, transformer.Classify("patient_id"))
	assert.Equal(t, StrategyNone, transformer.Classify("age"))

	// PHI wins when both rule sets match a name.
	both, err := NewTransformer(Rules{
		PIIFields: []string{"id"},
		PHIFields: []string{"patient"},
	}, "k", testLogger())
	require.NoError(t, err)
	assert.Equal(t, StrategyPHIToken, both.Classify("patient_id"))
}

func TestMaskingKnownDigests(t *testing.T) {
	transformer := newTestTransformer(t)

	masked := maskEvent(t, transformer, map[string]interface{}{
		"email":      "alice@example.com",
		"age":        30,
		"patient_id": "P42",
	})

	assert.Equal(t, sha256Hex("alice@example.com"), masked.Columns["email"])
	assert.Equal(t, 30, masked.Columns["age"]) // untouched
	assert.Equal(t, hmacHex("k", "P42"), masked.Columns["patient_id"])
}

func TestMaskingDeterministic(t *testing.T) {
	transformer := newTestTransformer(t)

	first := maskEvent(t, transformer, map[string]interface{}{"email": "alice@example.com"})
	second := maskEvent(t, transformer, map[string]interface{}{"email": "alice@example.com"})
	assert.Equal(t, first.Columns["email"], second.Columns["email"])
}

func TestMaskingNonStringValues(t *testing.T) {
	transformer := newTestTransformer(t)

	masked := maskEvent(t, transformer, map[string]interface{}{"ssn": 123456789})
	assert.Equal(t, sha256Hex("123456789"), masked.Columns["ssn"])
}

func TestMaskingNilAndEmpty(t *testing.T) {
	transformer := newTestTransformer(t)

	masked := maskEvent(t, transformer, map[string]interface{}{
		"email": nil,
		"phone": "",
	})
	assert.Nil(t, masked.Columns["email"])
	assert.Equal(t, sha256Hex(""), masked.Columns["phone"])
}

func TestKeysNeverMasked(t *testing.T) {
	transformer := newTestTransformer(t)

	event, err := types.NewChangeEvent(types.EventInsert, "clinic", "visits",
		types.KeyColumns{{Column: "patient_id", Value: "P42"}},
		types.KeyColumns{{Column: "email", Value: "alice@example.com"}},
		map[string]interface{}{"notes": "ok"}, 1_000_000, nil)
	require.NoError(t, err)

	masked := transformer.Apply(event)

	value, _ := masked.PartitionKey.Get("patient_id")
	assert.Equal(t, "P42", value)
	value, _ = masked.ClusteringKey.Get("email")
	assert.Equal(t, "alice@example.com", value)
}

func TestApplyDoesNotMutateOriginal(t *testing.T) {
	transformer := newTestTransformer(t)

	event, err := types.NewChangeEvent(types.EventInsert, "ecommerce", "users",
		types.KeyColumns{{Column: "user_id", Value: "u-1"}}, nil,
		map[string]interface{}{"email": "alice@example.com"}, 1_000_000, nil)
	require.NoError(t, err)

	_ = transformer.Apply(event)
	assert.Equal(t, "alice@example.com", event.Columns["email"])
}

func TestPHIRulesRequireSecret(t *testing.T) {
	_, err := NewTransformer(DefaultRules(), "", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")

	// PII-only rules are fine without a secret.
	_, err = NewTransformer(Rules{PIIFields: []string{"email"}}, "", testLogger())
	assert.NoError(t, err)
}

func TestReloadSwapsRules(t *testing.T) {
	transformer := newTestTransformer(t)
	assert.Equal(t, StrategyNone, transformer.Classify("nickname"))

	require.NoError(t, transformer.Reload(Rules{PIIFields: []string{"nickname"}}))
	assert.Equal(t, StrategyPIIHash, transformer.Classify("nickname"))
	assert.Equal(t, StrategyNone, transformer.Classify("email"))
}

func TestLoadRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "masking-rules.yaml")
	content := "pii_fields:\n  - email\n  - phone\nphi_fields:\n  - patient_id\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "phone"}, rules.PIIFields)
	assert.Equal(t, []string{"patient_id"}, rules.PHIFields)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
