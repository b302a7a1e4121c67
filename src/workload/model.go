package workload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

const (
	attrKey = iota
	attrValue
	attrNote

	noteWords = 4
	noteBytes = 4 * noteWords
)

var ErrDiverged = errors.New("engine diverged from reference model")

// Descriptor is the table every workload runs against.
func Descriptor(id common.TableID) tuple.Descriptor {
	return tuple.Descriptor{
		Table: id,
		Attributes: []tuple.Attribute{
			{Name: "key", SizeWords: 1, PrimaryKey: true},
			{Name: "value", SizeWords: 2},
			{Name: "note", SizeWords: noteWords, Nullable: true},
		},
		Checksum:      true,
		CommitCounter: true,
	}
}

// Row encodes a row the way the engine hands it back: every attribute
// padded to its full word size.
func Row(key uint32, value uint64, note string, noteNull bool) tuple.Row {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, key)
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, value)

	n := tuple.Null()
	if !noteNull {
		b := make([]byte, noteBytes)
		copy(b, note)
		n = tuple.Bytes(b)
	}
	return tuple.Row{tuple.Bytes(k), tuple.Bytes(v), n}
}

func rowsEqual(a, b tuple.Row) bool {
	return slices.EqualFunc(a, b, func(x, y tuple.Value) bool {
		return x.Null == y.Null && bytes.Equal(x.Data, y.Data)
	})
}

type Entry struct {
	Addr common.RowAddr
	Row  tuple.Row
}

// Model is the committed state the engine must show, keyed by user key.
type Model struct {
	rows map[uint32]Entry
}

func NewModel() *Model {
	return &Model{rows: make(map[uint32]Entry)}
}

func (m *Model) Get(key uint32) (Entry, bool) {
	e, ok := m.rows[key]
	return e, ok
}

func (m *Model) Has(key uint32) bool {
	_, ok := m.rows[key]
	return ok
}

func (m *Model) Len() int {
	return len(m.rows)
}

func (m *Model) Keys() []uint32 {
	return slices.Sorted(maps.Keys(m.rows))
}

func (m *Model) put(key uint32, e Entry) {
	m.rows[key] = e
}

func (m *Model) remove(key uint32) {
	delete(m.rows, key)
}

// Snapshot is the model in the shape of engine.Snapshot.
func (m *Model) Snapshot() map[common.RowAddr]tuple.Row {
	res := make(map[common.RowAddr]tuple.Row, len(m.rows))
	for _, e := range m.rows {
		res[e.Addr] = e.Row
	}
	return res
}

// CompareSnapshots reports the first few rows on which got differs from
// want.
func CompareSnapshots(want, got map[common.RowAddr]tuple.Row) error {
	const maxReported = 5

	var diffs []string
	for addr, w := range want {
		g, ok := got[addr]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%v missing", addr))
		case !rowsEqual(w, g):
			diffs = append(diffs, fmt.Sprintf("%v differs", addr))
		}
	}
	for addr := range got {
		if _, ok := want[addr]; !ok {
			diffs = append(diffs, fmt.Sprintf("%v unexpected", addr))
		}
	}
	if len(diffs) == 0 {
		return nil
	}

	slices.Sort(diffs)
	n := len(diffs)
	if n > maxReported {
		diffs = diffs[:maxReported]
	}
	return errors.Wrapf(ErrDiverged, "%d rows: %v", n, diffs)
}
