package recovery

import (
	"fmt"
	"io"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Dump prints records newest first, one per line.
func Dump(w io.Writer, r *Reader, from common.RecordID, filter func(UndoRecord) bool) (int, error) {
	n := 0
	err := r.Backward(from, func(rec UndoRecord) (bool, error) {
		if filter != nil && !filter(rec) {
			return true, nil
		}
		n++
		_, err := fmt.Fprintln(w, rec.String())
		return true, err
	})
	return n, err
}
