package engine

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// Effect is the net change a transaction made to one row.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectInsert
	EffectUpdate
	EffectDelete
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectInsert:
		return "insert"
	case EffectUpdate:
		return "update"
	case EffectDelete:
		return "delete"
	default:
		return fmt.Sprintf("effect(%d)", uint8(e))
	}
}

// CommitEvent describes a committed row change for triggers and index
// maintenance. Before is empty for inserts, After for deletes.
type CommitEvent struct {
	Frag         common.FragmentKey
	Row          common.RowAddr
	Txn          common.TxnID
	GCI          common.GCI
	Effect       Effect
	Before       tuple.Row
	After        tuple.Row
	ChangedAttrs *roaring.Bitmap
}

type Notifier interface {
	OnCommit(ev CommitEvent)
}

type NopNotifier struct{}

func (NopNotifier) OnCommit(CommitEvent) {}

// RecordingNotifier keeps every event.
type RecordingNotifier struct {
	Events []CommitEvent
}

func (n *RecordingNotifier) OnCommit(ev CommitEvent) {
	n.Events = append(n.Events, ev)
}
