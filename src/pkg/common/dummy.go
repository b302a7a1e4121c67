package common

// RecordingUndo keeps entries in memory.
type RecordingUndo struct {
	Entries []UndoEntry
}

var _ UndoSink = &RecordingUndo{}

func (r *RecordingUndo) AppendUndo(e UndoEntry) (RecordID, error) {
	words := make([]uint32, len(e.Words))
	copy(words, e.Words)
	e.Words = words
	r.Entries = append(r.Entries, e)
	//nolint:gosec
	return NewRecordID(1, uint16(len(r.Entries))), nil
}
