// Package schema tracks source table schemas, detects evolution between
// versions, classifies changes as compatible or incompatible, and validates
// events against the active version. The widening table in compat.go is the
// single source of truth shared by the classifier and the type mapper.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeType is the kind of schema change between versions.
type ChangeType string

const (
	AddColumn  ChangeType = "ADD_COLUMN"
	DropColumn ChangeType = "DROP_COLUMN"
	AlterType  ChangeType = "ALTER_TYPE"
)

// ColumnDef is one column of a source table.
type ColumnDef struct {
	Name          string `yaml:"name"`
	CQLType       string `yaml:"cql_type"`
	PartitionKey  bool   `yaml:"partition_key"`
	ClusteringKey bool   `yaml:"clustering_key"`
	Static        bool   `yaml:"static"`
}

// SchemaChange is one entry of the diff between two schema versions.
type SchemaChange struct {
	ChangeType ChangeType `json:"change_type"`
	ColumnName string     `json:"column_name"`
	OldType    string     `json:"old_type,omitempty"`
	NewType    string     `json:"new_type,omitempty"`
}

func (c SchemaChange) String() string {
	switch c.ChangeType {
	case AlterType:
		return fmt.Sprintf("ALTER_TYPE %s %s->%s", c.ColumnName, c.OldType, c.NewType)
	case AddColumn:
		return fmt.Sprintf("ADD_COLUMN %s %s", c.ColumnName, c.NewType)
	default:
		return fmt.Sprintf("%s %s", c.ChangeType, c.ColumnName)
	}
}

// Diff is the full difference between a schema version and its predecessor.
// Key-set changes are carried separately from column changes because they
// are always incompatible regardless of the column diff.
type Diff struct {
	Changes               []SchemaChange
	PartitionKeysChanged  bool
	ClusteringKeysChanged bool
}

// Empty reports whether the diff contains no changes at all.
func (d Diff) Empty() bool {
	return len(d.Changes) == 0 && !d.PartitionKeysChanged && !d.ClusteringKeysChanged
}

// SchemaVersion is a snapshot of a table's structure at a point in time.
// Versions are monotonically numbered per (keyspace, table); v1 is initial.
type SchemaVersion struct {
	SchemaID        uuid.UUID
	TableName       string
	Keyspace        string
	VersionNumber   int
	Columns         map[string]ColumnDef
	PartitionKeys   []string
	ClusteringKeys  []string
	DetectedAt      time.Time
	PreviousVersion int  // 0 for initial versions
	DiffFromPrev    Diff // attached when registered over a predecessor
}

// NewSchemaVersion creates a validated schema snapshot.
func NewSchemaVersion(
	keyspace, tableName string,
	versionNumber int,
	columns map[string]ColumnDef,
	partitionKeys, clusteringKeys []string,
) (*SchemaVersion, error) {
	if versionNumber < 1 {
		return nil, fmt.Errorf("version_number must be >= 1, got %d", versionNumber)
	}
	if len(partitionKeys) == 0 {
		return nil, fmt.Errorf("partition_keys must be non-empty")
	}
	for _, pk := range partitionKeys {
		if _, ok := columns[pk]; !ok {
			return nil, fmt.Errorf("partition key %q not found in columns", pk)
		}
	}
	for _, ck := range clusteringKeys {
		if _, ok := columns[ck]; !ok {
			return nil, fmt.Errorf("clustering key %q not found in columns", ck)
		}
	}

	return &SchemaVersion{
		SchemaID:       uuid.New(),
		TableName:      tableName,
		Keyspace:       keyspace,
		VersionNumber:  versionNumber,
		Columns:        columns,
		PartitionKeys:  append([]string(nil), partitionKeys...),
		ClusteringKeys: append([]string(nil), clusteringKeys...),
		DetectedAt:     time.Now(),
	}, nil
}

// DiffAgainst computes the diff from an older version to this one.
func (s *SchemaVersion) DiffAgainst(previous *SchemaVersion) Diff {
	diff := Diff{
		PartitionKeysChanged:  !equalStrings(previous.PartitionKeys, s.PartitionKeys),
		ClusteringKeysChanged: !equalStrings(previous.ClusteringKeys, s.ClusteringKeys),
	}

	for name, col := range s.Columns {
		prev, ok := previous.Columns[name]
		switch {
		case !ok:
			diff.Changes = append(diff.Changes, SchemaChange{
				ChangeType: AddColumn,
				ColumnName: name,
				NewType:    col.CQLType,
			})
		case !equalTypes(prev.CQLType, col.CQLType):
			diff.Changes = append(diff.Changes, SchemaChange{
				ChangeType: AlterType,
				ColumnName: name,
				OldType:    prev.CQLType,
				NewType:    col.CQLType,
			})
		}
	}
	for name, prev := range previous.Columns {
		if _, ok := s.Columns[name]; !ok {
			diff.Changes = append(diff.Changes, SchemaChange{
				ChangeType: DropColumn,
				ColumnName: name,
				OldType:    prev.CQLType,
			})
		}
	}

	return diff
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
