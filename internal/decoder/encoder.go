package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"cassandra-cdc-replicator/pkg/types"
)

// Encode renders an event in the BinaryDecoder wire format. Used by the
// fixture writer and the test harness; the serving path only decodes.
func Encode(event *types.ChangeEvent) ([]byte, error) {
	w := &writer{}

	switch event.EventType {
	case types.EventInsert:
		w.byte('I')
	case types.EventUpdate:
		w.byte('U')
	case types.EventDelete:
		w.byte('D')
	default:
		return nil, fmt.Errorf("cannot encode event type %q", event.EventType)
	}

	w.int64(event.TimestampMicros)
	if event.TTLSeconds != nil {
		w.int64(*event.TTLSeconds)
	} else {
		w.int64(-1)
	}

	w.str(event.Keyspace)
	w.str(event.TableName)

	if err := w.keyColumns(event.PartitionKey); err != nil {
		return nil, err
	}
	if err := w.keyColumns(event.ClusteringKey); err != nil {
		return nil, err
	}

	// Column order is not semantically meaningful; sort for stable output.
	names := make([]string, 0, len(event.Columns))
	for name := range event.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	w.uint16(uint16(len(names)))
	for _, name := range names {
		w.str(name)
		if err := w.value(event.Columns[name]); err != nil {
			return nil, err
		}
	}

	return w.buf, nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) int64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) str(s string) {
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) value(v interface{}) error {
	switch val := v.(type) {
	case nil:
		w.byte(tagNull)
	case string:
		w.byte(tagString)
		w.str(val)
	case int:
		w.byte(tagInt64)
		w.int64(int64(val))
	case int64:
		w.byte(tagInt64)
		w.int64(val)
	case float64:
		w.byte(tagFloat)
		w.int64(int64(math.Float64bits(val)))
	case bool:
		w.byte(tagBool)
		if val {
			w.byte(1)
		} else {
			w.byte(0)
		}
	default:
		return fmt.Errorf("cannot encode value of type %T", v)
	}
	return nil
}

func (w *writer) keyColumns(keys types.KeyColumns) error {
	w.uint16(uint16(len(keys)))
	for _, kv := range keys {
		w.str(kv.Column)
		if err := w.value(kv.Value); err != nil {
			return err
		}
	}
	return nil
}
