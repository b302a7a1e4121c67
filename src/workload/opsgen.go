package workload

import (
	"maps"
	"math/rand"
	"slices"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// genTxn is the generator's view of an open transaction. view overrides
// the committed key set: true for keys the transaction made present, false
// for keys it deleted.
type genTxn struct {
	id   common.TxnID
	sp   common.SavepointID
	left int
	view map[uint32]bool
}

// OpsGenerator produces interleaved transactions over a growing key space.
// It tracks which keys it expects to exist, assuming every commit it emits
// succeeds; the driver tolerates the operations that miss when one fails.
type OpsGenerator struct {
	r       *rand.Rand
	count   int
	maxOpen int

	nextTxn common.TxnID
	nextKey uint32
	keys    map[uint32]struct{}
	owners  map[uint32]common.TxnID
	open    map[common.TxnID]*genTxn
}

// NewOpsGenerator emits count transactions with at most maxOpen in flight
// at once.
func NewOpsGenerator(r *rand.Rand, count, maxOpen int) *OpsGenerator {
	return &OpsGenerator{
		r:       r,
		count:   count,
		maxOpen: max(maxOpen, 1),

		nextKey: 1,
		keys:    make(map[uint32]struct{}),
		owners:  make(map[uint32]common.TxnID),
		open:    make(map[common.TxnID]*genTxn),
	}
}

// Seed makes keys the initial key set. New keys are numbered above them.
func (g *OpsGenerator) Seed(keys []uint32) {
	for _, k := range keys {
		g.keys[k] = struct{}{}
		g.nextKey = max(g.nextKey, k+1)
	}
}

func (g *OpsGenerator) begin() Operation {
	g.nextTxn++
	t := &genTxn{
		id:   g.nextTxn,
		sp:   1,
		left: 1 + g.r.Intn(6),
		view: make(map[uint32]bool),
	}
	g.open[t.id] = t

	return Operation{Type: OpBegin, TxnID: t.id}
}

func (g *OpsGenerator) finish(t *genTxn) Operation {
	delete(g.open, t.id)
	for k := range t.view {
		delete(g.owners, k)
	}

	if g.r.Intn(4) == 0 {
		return Operation{Type: OpAbort, TxnID: t.id}
	}
	for k, present := range t.view {
		if present {
			g.keys[k] = struct{}{}
		} else {
			delete(g.keys, k)
		}
	}
	return Operation{Type: OpCommit, TxnID: t.id}
}

// pickKey returns a key t may touch: one of its own, or a committed key no
// other open transaction owns.
func (g *OpsGenerator) pickKey(t *genTxn) (uint32, bool) {
	if len(t.view) > 0 && g.r.Intn(2) == 0 {
		return getRandomMapKey(g.r, t.view)
	}
	k, ok := getRandomMapKey(g.r, g.keys)
	if !ok {
		return 0, false
	}
	if owner, held := g.owners[k]; held && owner != t.id {
		return 0, false
	}
	return k, true
}

func (g *OpsGenerator) present(t *genTxn, k uint32) bool {
	if p, ok := t.view[k]; ok {
		return p
	}
	_, ok := g.keys[k]
	return ok
}

func (g *OpsGenerator) write(t *genTxn, typ OpType, k uint32) Operation {
	note, null := randomNote(g.r)
	op := Operation{
		Type:      typ,
		TxnID:     t.id,
		Savepoint: t.sp,
		Key:       k,
		Value:     g.r.Uint64(),
		Note:      note,
		NoteNull:  null,
	}

	g.owners[k] = t.id
	t.view[k] = typ != OpDelete
	return op
}

func (g *OpsGenerator) genRandomOp(t *genTxn) Operation {
	if g.r.Intn(5) == 0 {
		t.sp++
	}
	t.left--

	try := OpInsert + OpType(g.r.Intn(4))

	if try == OpInsert {
		// bring back a row deleted earlier in the same transaction
		for _, k := range slices.Sorted(maps.Keys(t.view)) {
			if !t.view[k] && g.r.Intn(2) == 0 {
				return g.write(t, OpInsert, k)
			}
		}
		k := g.nextKey
		g.nextKey++
		return g.write(t, OpInsert, k)
	}

	k, ok := g.pickKey(t)
	if !ok {
		k := g.nextKey
		g.nextKey++
		return g.write(t, OpInsert, k)
	}

	switch {
	case try == OpRead:
		return Operation{Type: OpRead, TxnID: t.id, Savepoint: t.sp, Key: k}
	case !g.present(t, k):
		return g.write(t, OpInsert, k)
	default:
		return g.write(t, try, k)
	}
}

func (g *OpsGenerator) next() Operation {
	started := int(g.nextTxn)
	if started < g.count && len(g.open) < g.maxOpen && (len(g.open) == 0 || g.r.Intn(3) == 0) {
		return g.begin()
	}

	id, _ := getRandomMapKey(g.r, g.open)
	t := g.open[id]
	if t.left == 0 {
		return g.finish(t)
	}
	return g.genRandomOp(t)
}

// Gen streams the whole workload, closing the channel after the last
// transaction ends.
func (g *OpsGenerator) Gen() chan Operation {
	ch := make(chan Operation)

	go func() {
		defer close(ch)

		for int(g.nextTxn) < g.count || len(g.open) > 0 {
			ch <- g.next()
		}
	}()

	return ch
}
