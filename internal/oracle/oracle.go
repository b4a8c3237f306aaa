// Package oracle assigns and tracks transaction timestamps, detects
// write-write conflicts between concurrently committing transactions, and
// exposes watermarks so readers never observe a commit that hasn't yet
// been made durable (spec §3 "Transaction Oracle", §4.I). Grounded on
// original_source's oracle.rs (the committed-transaction conflict list
// plus watermark event loop) translated into the teacher's goroutine +
// channel idiom already used for its WAL sync loop.
package oracle

import (
	"container/heap"
	"sync"
)

// TxnTs is a monotonic commit timestamp.
type TxnTs = uint64

// committedTxn is one past commit's read-set hash, kept only until no
// in-flight transaction could possibly still conflict against it.
type committedTxn struct {
	commitTs TxnTs
	conflictKeys map[uint64]struct{}
}

// Oracle hands out read and commit timestamps and detects conflicts
// between a transaction's read set and every later commit (spec §4.I
// "generate_read_ts", "commit-time conflict detection").
type Oracle struct {
	mu sync.Mutex

	nextTs    TxnTs
	committed []committedTxn

	readMark *watermark
	txnMark  *watermark

	// lastCleanupTs avoids rescanning the whole committed list on every
	// commit once it has already been pruned up to this point.
	lastCleanupTs TxnTs
}

func New() *Oracle {
	o := &Oracle{
		nextTs:   1,
		readMark: newWatermark(),
		txnMark:  newWatermark(),
	}
	return o
}

// Bootstrap raises nextTs past maxRecoveredTs so a freshly opened engine
// doesn't hand out read/commit timestamps that collide with, or hide,
// versions recovered from a prior process's WAL/SSTables.
func (o *Oracle) Bootstrap(maxRecoveredTs TxnTs) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if maxRecoveredTs+1 > o.nextTs {
		o.nextTs = maxRecoveredTs + 1
	}
}

// ReadTs returns a snapshot timestamp for a new read-only or read-write
// transaction: the most recently assigned commit ts. The ts is registered
// in readMark until the transaction calls Done, and generation blocks
// until every commit at or below it has been made durable (txnMark).
func (o *Oracle) ReadTs() TxnTs {
	o.mu.Lock()
	ts := o.nextTs - 1
	o.readMark.begin(ts)
	o.mu.Unlock()

	o.txnMark.waitForMark(ts)
	return ts
}

// DoneRead releases a previously obtained read timestamp from the
// watermark, allowing committed-transaction GC to advance past it.
func (o *Oracle) DoneRead(ts TxnTs) { o.readMark.done(ts) }

// TryCommit checks readTs's conflict set (the keys the transaction read)
// against every transaction that committed after readTs, and if none
// overlap, assigns and returns a fresh commit timestamp while recording
// the write set for future conflict checks (spec §4.I "conflict
// detection via hashed read-sets").
func (o *Oracle) TryCommit(readTs TxnTs, readKeyHashes, writeKeyHashes map[uint64]struct{}) (commitTs TxnTs, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, c := range o.committed {
		if c.commitTs <= readTs {
			continue
		}
		for k := range readKeyHashes {
			if _, clash := c.conflictKeys[k]; clash {
				return 0, false
			}
		}
	}

	commitTs = o.nextTs
	o.nextTs++
	o.txnMark.begin(commitTs)
	o.committed = append(o.committed, committedTxn{commitTs: commitTs, conflictKeys: writeKeyHashes})
	return commitTs, true
}

// DoneCommit marks commitTs durable, unblocking any reader whose ReadTs
// call is waiting on txnMark for a commit at or below it (spec §4.I
// "txn_mark.wait_for_mark gating after engine durability").
func (o *Oracle) DoneCommit(commitTs TxnTs) { o.txnMark.done(commitTs) }

// CleanupCommitted drops committed-transaction conflict records no
// longer reachable by any in-flight reader: entries at or below
// readMark's done_until can never be checked again, since no future
// ReadTs call can return a timestamp that old (spec §4.I "periodic
// committed GC").
func (o *Oracle) CleanupCommitted() {
	o.mu.Lock()
	defer o.mu.Unlock()

	doneUntil := o.readMark.doneUntil()
	if doneUntil <= o.lastCleanupTs {
		return
	}
	kept := o.committed[:0]
	for _, c := range o.committed {
		if c.commitTs > doneUntil {
			kept = append(kept, c)
		}
	}
	o.committed = kept
	o.lastCleanupTs = doneUntil
}

// ReadMarkDoneUntil exposes the read watermark for GC callers that need
// to know the oldest timestamp any live snapshot could still observe
// (used as discardTs by the level controller's compaction merge).
func (o *Oracle) ReadMarkDoneUntil() TxnTs { return o.readMark.doneUntil() }

// watermark tracks the highest timestamp below which every begin() has a
// matching done(): a mutex-guarded min-heap of pending timestamps plus
// counts, updated in the calling goroutine (there is no background loop),
// advancing doneUntil as entries are fully retired (spec §4.I "watermark"). Grounded on
// original_source/oracle/watermark.rs's min-heap + pending-count design.
type watermark struct {
	mu        sync.Mutex
	doneUntilV TxnTs
	pending   map[TxnTs]int
	heap      *tsHeap

	waitersMu sync.Mutex
	waiters   map[TxnTs][]chan struct{}
}

func newWatermark() *watermark {
	h := &tsHeap{}
	heap.Init(h)
	return &watermark{pending: make(map[TxnTs]int), heap: h, waiters: make(map[TxnTs][]chan struct{})}
}

func (w *watermark) begin(ts TxnTs) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[ts]; !ok {
		heap.Push(w.heap, ts)
	}
	w.pending[ts]++
}

func (w *watermark) done(ts TxnTs) {
	w.mu.Lock()
	w.pending[ts]--
	if w.pending[ts] <= 0 {
		delete(w.pending, ts)
	}
	for w.heap.Len() > 0 {
		min := (*w.heap)[0]
		if _, stillPending := w.pending[min]; stillPending {
			break
		}
		heap.Pop(w.heap)
		if min > w.doneUntilV {
			w.doneUntilV = min
		}
	}
	doneUntil := w.doneUntilV
	w.mu.Unlock()

	w.notify(doneUntil)
}

func (w *watermark) doneUntil() TxnTs {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneUntilV
}

// waitForMark blocks until doneUntil >= ts, used by ReadTs to ensure a
// reader's snapshot never observes an in-flight-but-not-yet-durable
// commit (spec §4.I).
func (w *watermark) waitForMark(ts TxnTs) {
	w.mu.Lock()
	if w.doneUntilV >= ts {
		w.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	w.mu.Unlock()

	w.waitersMu.Lock()
	w.waiters[ts] = append(w.waiters[ts], ch)
	w.waitersMu.Unlock()

	<-ch
}

func (w *watermark) notify(doneUntil TxnTs) {
	w.waitersMu.Lock()
	defer w.waitersMu.Unlock()
	for ts, chans := range w.waiters {
		if ts <= doneUntil {
			for _, ch := range chans {
				close(ch)
			}
			delete(w.waiters, ts)
		}
	}
}

// tsHeap is a min-heap of pending timestamps.
type tsHeap []TxnTs

func (h tsHeap) Len() int            { return len(h) }
func (h tsHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h tsHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tsHeap) Push(x interface{}) { *h = append(*h, x.(TxnTs)) }
func (h *tsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
