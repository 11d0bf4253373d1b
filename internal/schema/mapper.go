package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Mapper maps source CQL types to warehouse column types. TimescaleDB
// inherits the Postgres mappings and applies overrides on top. Alter
// handling consults the same widening table as the classifier.
type Mapper struct {
	postgres    map[string]string
	clickhouse  map[string]string
	timescaledb map[string]string
	logger      *logrus.Logger
}

// mappingsFile is the YAML shape of a schema-mappings file.
type mappingsFile struct {
	GlobalMappings struct {
		CassandraToPostgres    map[string]string `yaml:"cassandra_to_postgres"`
		CassandraToClickHouse  map[string]string `yaml:"cassandra_to_clickhouse"`
		CassandraToTimescaleDB map[string]string `yaml:"cassandra_to_timescaledb"`
	} `yaml:"global_mappings"`
}

// NewMapper creates a mapper with built-in defaults, optionally overridden
// from a YAML mappings file. A missing or unreadable file falls back to the
// defaults with a logged warning.
func NewMapper(mappingsPath string, logger *logrus.Logger) *Mapper {
	m := &Mapper{logger: logger}
	m.useDefaults()

	if mappingsPath == "" {
		return m
	}

	data, err := os.ReadFile(mappingsPath)
	if err != nil {
		logger.WithError(err).WithField("path", mappingsPath).Warn("Failed to read schema mappings, using defaults")
		return m
	}

	var file mappingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		logger.WithError(err).WithField("path", mappingsPath).Warn("Failed to parse schema mappings, using defaults")
		return m
	}

	if len(file.GlobalMappings.CassandraToPostgres) > 0 {
		m.postgres = lowerKeys(file.GlobalMappings.CassandraToPostgres)
	}
	if len(file.GlobalMappings.CassandraToClickHouse) > 0 {
		m.clickhouse = lowerKeys(file.GlobalMappings.CassandraToClickHouse)
	}
	m.timescaledb = copyMap(m.postgres)
	for k, v := range lowerKeys(file.GlobalMappings.CassandraToTimescaleDB) {
		m.timescaledb[k] = v
	}

	logger.WithField("path", mappingsPath).Info("Schema mappings loaded")
	return m
}

func (m *Mapper) useDefaults() {
	m.postgres = map[string]string{
		"uuid":      "uuid",
		"text":      "text",
		"varchar":   "varchar",
		"int":       "integer",
		"bigint":    "bigint",
		"timestamp": "timestamptz",
		"decimal":   "numeric",
		"double":    "double precision",
		"float":     "real",
		"boolean":   "boolean",
	}
	m.clickhouse = map[string]string{
		"uuid":      "UUID",
		"text":      "String",
		"varchar":   "String",
		"int":       "Int32",
		"bigint":    "Int64",
		"timestamp": "DateTime64(3)",
		"decimal":   "Decimal(38, 10)",
		"double":    "Float64",
		"float":     "Float32",
		"boolean":   "UInt8",
	}
	m.timescaledb = copyMap(m.postgres)
}

// MapType returns the warehouse column type for a CQL type. Unknown types
// fall back to text.
func (m *Mapper) MapType(cqlType, warehouse string) string {
	mappings := m.targetMappings(warehouse)
	if mapped, ok := mappings[normalizeType(cqlType)]; ok {
		return mapped
	}
	return "text"
}

// MapColumns maps every column of a schema version for one warehouse.
func (m *Mapper) MapColumns(version *SchemaVersion, warehouse string) map[string]string {
	out := make(map[string]string, len(version.Columns))
	for name, col := range version.Columns {
		out[name] = m.MapType(col.CQLType, warehouse)
	}
	return out
}

// ApplyChange returns a column->type mapping with one schema change applied.
// AlterType changes outside the widening set return an error — the mapper
// refuses what the classifier refuses.
func (m *Mapper) ApplyChange(version *SchemaVersion, change SchemaChange, warehouse string) (map[string]string, error) {
	result := m.MapColumns(version, warehouse)

	switch change.ChangeType {
	case AddColumn:
		result[change.ColumnName] = m.MapType(change.NewType, warehouse)
	case DropColumn:
		delete(result, change.ColumnName)
	case AlterType:
		if !IsWidening(change.OldType, change.NewType) {
			return nil, fmt.Errorf("refusing non-widening type change %s", change)
		}
		result[change.ColumnName] = m.MapType(change.NewType, warehouse)
	default:
		return nil, fmt.Errorf("unknown change type %q", change.ChangeType)
	}
	return result, nil
}

func (m *Mapper) targetMappings(warehouse string) map[string]string {
	switch strings.ToLower(warehouse) {
	case "clickhouse":
		return m.clickhouse
	case "timescaledb":
		return m.timescaledb
	default:
		return m.postgres
	}
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
