package schema

import "strings"

// Compatibility is the classification of a schema diff.
type Compatibility int

const (
	Compatible Compatibility = iota
	Incompatible
)

func (c Compatibility) String() string {
	if c == Compatible {
		return "compatible"
	}
	return "incompatible"
}

// typePair is an ordered (old, new) CQL type pair, lowercased.
type typePair struct {
	old string
	new string
}

// compatibleWidenings is the single declarative source of truth for type
// changes that can be applied without data loss or narrowing. It drives both
// the classifier and the type mapper's alter handling. text<->varchar is
// bidirectional; everything else is a strict widening.
var compatibleWidenings = map[typePair]bool{
	{"int", "bigint"}:     true,
	{"float", "double"}:   true,
	{"decimal", "double"}: true,
	{"text", "varchar"}:   true,
	{"varchar", "text"}:   true,
}

// normalizeType lowercases and trims a CQL type name for comparison.
func normalizeType(cqlType string) string {
	return strings.ToLower(strings.TrimSpace(cqlType))
}

// equalTypes compares two CQL type names case-insensitively.
func equalTypes(a, b string) bool {
	return normalizeType(a) == normalizeType(b)
}

// IsWidening reports whether an old->new type change is in the compatible
// widening set.
func IsWidening(oldType, newType string) bool {
	return compatibleWidenings[typePair{normalizeType(oldType), normalizeType(newType)}]
}

// Classify is the pure compatibility classifier: AddColumn and DropColumn
// are compatible; AlterType only for the explicit widening set; any
// partition-key or clustering-key set change is incompatible. The same diff
// always yields the same classification.
func Classify(diff Diff) Compatibility {
	if diff.PartitionKeysChanged || diff.ClusteringKeysChanged {
		return Incompatible
	}
	for _, change := range diff.Changes {
		switch change.ChangeType {
		case AddColumn, DropColumn:
			// compatible
		case AlterType:
			if !IsWidening(change.OldType, change.NewType) {
				return Incompatible
			}
		default:
			return Incompatible
		}
	}
	return Compatible
}

// IncompatibleChanges returns the subset of column changes that fail
// classification, for logging and DLQ messages.
func IncompatibleChanges(diff Diff) []SchemaChange {
	var out []SchemaChange
	for _, change := range diff.Changes {
		if change.ChangeType == AlterType && !IsWidening(change.OldType, change.NewType) {
			out = append(out, change)
		}
	}
	return out
}
