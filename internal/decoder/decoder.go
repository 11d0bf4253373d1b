// Package decoder turns framed commit-log entries into ChangeEvents.
//
// The Decoder contract is pluggable: production deployments supply a codec
// for their source's binary mutation format. BinaryDecoder implements the
// codec used by the bundled fixture writer and the test harness:
//
//	op          1 byte  ('I' insert, 'U' update, 'D' delete)
//	timestamp   8 bytes big-endian, microseconds since epoch
//	ttl         8 bytes big-endian, seconds, -1 when absent
//	keyspace    uint16 length + bytes
//	table       uint16 length + bytes
//	partition   uint16 count, then (name, value) pairs
//	clustering  uint16 count, then (name, value) pairs
//	columns     uint16 count, then (name, value) pairs
//
// Values are tagged: 0 null, 1 string, 2 int64, 3 float64, 4 bool.
// Decoding is pure; a malformed entry yields a DecodeError and the pipeline
// continues with the next entry.
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"

	"cassandra-cdc-replicator/pkg/types"
)

// DecodeError reports a well-framed but unparseable entry.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Value type tags.
const (
	tagNull   = 0
	tagString = 1
	tagInt64  = 2
	tagFloat  = 3
	tagBool   = 4
)

// BinaryDecoder decodes the bundled binary entry format.
type BinaryDecoder struct{}

// NewBinaryDecoder creates a decoder instance.
func NewBinaryDecoder() *BinaryDecoder {
	return &BinaryDecoder{}
}

// Decode parses one entry payload into a validated ChangeEvent.
func (d *BinaryDecoder) Decode(raw []byte) (*types.ChangeEvent, error) {
	r := &reader{data: raw}

	op, err := r.byte()
	if err != nil {
		return nil, err
	}
	var eventType types.EventType
	switch op {
	case 'I':
		eventType = types.EventInsert
	case 'U':
		eventType = types.EventUpdate
	case 'D':
		eventType = types.EventDelete
	default:
		return nil, decodeErrorf("unknown operation type 0x%02x", op)
	}

	timestampMicros, err := r.int64()
	if err != nil {
		return nil, err
	}
	ttl, err := r.int64()
	if err != nil {
		return nil, err
	}
	var ttlSeconds *int64
	if ttl >= 0 {
		ttlSeconds = &ttl
	}

	keyspace, err := r.str()
	if err != nil {
		return nil, err
	}
	table, err := r.str()
	if err != nil {
		return nil, err
	}

	partitionKey, err := r.keyColumns("partition key")
	if err != nil {
		return nil, err
	}
	clusteringKey, err := r.keyColumns("clustering key")
	if err != nil {
		return nil, err
	}

	columnCount, err := r.uint16()
	if err != nil {
		return nil, err
	}
	var columns map[string]interface{}
	if columnCount > 0 {
		columns = make(map[string]interface{}, columnCount)
		for i := 0; i < int(columnCount); i++ {
			name, err := r.str()
			if err != nil {
				return nil, err
			}
			value, err := r.value()
			if err != nil {
				return nil, err
			}
			columns[name] = value
		}
	}

	if r.pos != len(r.data) {
		return nil, decodeErrorf("%d trailing bytes after entry", len(r.data)-r.pos)
	}

	event, err := types.NewChangeEvent(eventType, keyspace, table, partitionKey, clusteringKey, columns, timestampMicros, ttlSeconds)
	if err != nil {
		return nil, decodeErrorf("invalid event: %v", err)
	}
	return event, nil
}

// reader is a bounds-checked cursor over the entry payload.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return decodeErrorf("truncated entry: need %d bytes at offset %d, have %d", n, r.pos, len(r.data)-r.pos)
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) int64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	length, err := r.uint16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(length)); err != nil {
		return "", err
	}
	s := string(r.data[r.pos : r.pos+int(length)])
	r.pos += int(length)
	return s, nil
}

func (r *reader) value() (interface{}, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagString:
		return r.str()
	case tagInt64:
		return r.int64()
	case tagFloat:
		bits, err := r.int64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(uint64(bits)), nil
	case tagBool:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	default:
		return nil, decodeErrorf("unknown value tag 0x%02x", tag)
	}
}

func (r *reader) keyColumns(what string) (types.KeyColumns, error) {
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	keys := make(types.KeyColumns, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := r.str()
		if err != nil {
			return nil, decodeErrorf("bad %s name: %v", what, err)
		}
		value, err := r.value()
		if err != nil {
			return nil, decodeErrorf("bad %s value: %v", what, err)
		}
		keys = append(keys, types.KeyValue{Column: name, Value: value})
	}
	return keys, nil
}
