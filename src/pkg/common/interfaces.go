package common

type UndoKind uint32

// UNDO record kinds. The numeric values are persisted.
const (
	UndoDelete UndoKind = iota + 1
	UndoUpdate
	UndoCommitCounter
	UndoPageHeader
	UndoInsertAbort
	UndoUpdateAbort
	UndoTableDescriptor
	UndoUnknown
)

func (k UndoKind) String() string {
	switch k {
	case UndoDelete:
		return "delete"
	case UndoUpdate:
		return "update"
	case UndoCommitCounter:
		return "commit-counter"
	case UndoPageHeader:
		return "page-header"
	case UndoInsertAbort:
		return "insert-abort"
	case UndoUpdateAbort:
		return "update-abort"
	case UndoTableDescriptor:
		return "table-descriptor"
	default:
		return "unknown"
	}
}

// UndoEntry is the before-image of a run of page words.
type UndoEntry struct {
	Kind   UndoKind
	Frag   FragmentKey
	Page   LogicalPageID
	Offset uint16
	Words  []uint32
}

// UndoSink receives UNDO entries for pages that are still inside the fuzzy
// window of an active checkpoint. Implementations must persist the entry
// before returning.
type UndoSink interface {
	AppendUndo(e UndoEntry) (RecordID, error)
}
