// Write path: the write coalescer batches queued requests, places large
// values in the value log, appends to the active memtable's WAL and
// skip-list, rotates memtables on fullness, and replies to each request's
// result channel (spec §4.K "Write coalescer"). The flush task drains the
// immutable queue into L0 SSTables (spec §4.D/§4.K "Flush task").
package mors

import (
	"bytes"
	"hash/fnv"
	"time"

	"github.com/oarkflow/mors/internal/memtable"
	"github.com/oarkflow/mors/internal/table"
	"github.com/oarkflow/mors/internal/y"
)

// WriteTxn is a read-write transaction with snapshot isolation: reads see
// the database as of readTs, and Commit fails with ErrConflict if another
// transaction wrote a key this one read, after this one's snapshot was
// taken (spec §6 "begin_write").
type WriteTxn struct {
	e      *Engine
	readTs y.TxnTs

	reads  map[uint64]struct{}
	writes map[uint64]struct{}

	pending []*y.Entry
}

// ErrConflict is returned by Commit when a write-write conflict is
// detected against the transaction's read set (spec §4.I).
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "mors: transaction conflict" }

func hashKey(k []byte) uint64 {
	h := fnv.New64a()
	h.Write(k)
	return h.Sum64()
}

// BeginWrite starts a new read-write transaction (spec §6 "begin_write").
func (e *Engine) BeginWrite() *WriteTxn {
	return &WriteTxn{
		e: e, readTs: e.oracle.ReadTs(),
		reads: make(map[uint64]struct{}), writes: make(map[uint64]struct{}),
	}
}

// Get reads key as of the transaction's snapshot, recording it in the
// read set for conflict detection at commit time.
func (t *WriteTxn) Get(key []byte) ([]byte, bool, error) {
	t.reads[hashKey(key)] = struct{}{}
	for i := len(t.pending) - 1; i >= 0; i-- {
		if bytes.Equal(t.pending[i].Key, key) {
			if t.pending[i].IsDeleted() {
				return nil, false, nil
			}
			return t.pending[i].Value, true, nil
		}
	}
	return t.e.Get(key, t.readTs)
}

// Set stages a key/value write, not yet visible to other transactions
// until Commit succeeds.
func (t *WriteTxn) Set(key, value []byte) {
	t.writes[hashKey(key)] = struct{}{}
	t.pending = append(t.pending, &y.Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

// Delete stages a tombstone write for key.
func (t *WriteTxn) Delete(key []byte) {
	t.writes[hashKey(key)] = struct{}{}
	t.pending = append(t.pending, &y.Entry{Key: append([]byte(nil), key...), Meta: y.MetaDelete})
}

// Commit assigns a commit timestamp, checks for conflicts against
// transactions that committed after this one's snapshot, and if clean,
// submits the batch to the write coalescer and waits for durability
// (spec §6 "txn.commit").
func (t *WriteTxn) Commit() error {
	if len(t.pending) == 0 {
		return nil
	}

	commitTs, ok := t.e.oracle.TryCommit(t.readTs, t.reads, t.writes)
	if !ok {
		t.e.oracle.DoneRead(t.readTs)
		return ErrConflict
	}

	for _, e := range t.pending {
		e.Ts = commitTs
	}

	result := make(chan error, 1)
	t.e.writeChan <- &writeRequest{entries: t.pending, result: result}
	err := <-result

	t.e.oracle.DoneCommit(commitTs)
	t.e.oracle.DoneRead(t.readTs)
	return err
}

// writeCoalescer drains the write channel into batches (spec §4.K): a
// batch is flushed to handleWriteRequest once it reaches 3x the channel
// capacity, or immediately if nothing more arrives right away, mirroring
// the spec's Notify-driven "previous batch has completed" rule without
// needing a second goroutine to track it.
func (e *Engine) writeCoalescer() {
	defer e.closer.Done()

	maxBatch := e.opts.WriteChannelCapacity * 3
	if maxBatch <= 0 {
		maxBatch = 3000
	}

	var batch []*writeRequest
	for {
		select {
		case <-e.closer.Ctx().Done():
			return
		case req := <-e.writeChan:
			batch = append(batch, req)
			for len(batch) < maxBatch {
				select {
				case req := <-e.writeChan:
					batch = append(batch, req)
					continue
				default:
				}
				break
			}
			e.handleWriteRequest(batch)
			batch = nil
		}
	}
}

// handleWriteRequest implements spec §4.K's four-step write batch:
// value-log placement, ensure_room_for_write per entry, WAL+skiplist
// append, and per-request result delivery.
func (e *Engine) handleWriteRequest(batch []*writeRequest) {
	var all []*y.Entry
	for _, req := range batch {
		all = append(all, req.entries...)
	}

	if err := e.vlog.Write(all); err != nil {
		replyAll(batch, err)
		return
	}

	e.mu.Lock()
	for _, req := range batch {
		for _, ent := range req.entries {
			if err := e.ensureRoomForWriteLocked(); err != nil {
				e.mu.Unlock()
				replyAll(batch, err)
				return
			}
			vm := y.ValueMeta{Value: ent.Value, ExpiresAt: ent.ExpiresAt, UserMeta: ent.UserMeta, Meta: ent.Meta}
			kt := y.KeyTs{UserKey: ent.Key, Ts: ent.Ts}
			if err := e.active.Push(kt, vm); err != nil {
				e.mu.Unlock()
				replyAll(batch, err)
				return
			}
		}
	}
	e.mu.Unlock()

	replyAll(batch, nil)
}

func replyAll(batch []*writeRequest, err error) {
	for _, req := range batch {
		req.result <- err
	}
}

// ensureRoomForWriteLocked rotates the active memtable into the
// immutable queue when full, blocking (by retrying after a flush signal)
// if the immutable queue is itself full (spec §4.K "ensure_room_for_write").
// Caller must hold e.mu.
func (e *Engine) ensureRoomForWriteLocked() error {
	if !e.active.IsFull() {
		return nil
	}
	for len(e.immutables) >= e.opts.NumMemtables-1 {
		e.mu.Unlock()
		<-e.flushDrainSignal()
		e.mu.Lock()
	}

	old := e.active
	e.immutables = append(e.immutables, old)
	if err := e.rotateActiveLocked(); err != nil {
		return err
	}
	e.flushChan <- old
	return nil
}

// flushDrainSignal returns a channel that closes once the flush loop has
// drained at least one immutable memtable, used as the backpressure wait
// point in ensureRoomForWriteLocked.
func (e *Engine) flushDrainSignal() <-chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.drainWaiters = append(e.drainWaiters, ch)
	e.mu.Unlock()
	return ch
}

// flushLoop receives immutable memtables and hands each to flushOne,
// which waits while L0 holds level0_num_tables_stall tables, writes the
// memtable as an L0 SSTable, registers the manifest creation, pushes it
// into the level controller, then deletes the memtable's WAL (spec
// §4.D/§4.K "Flush task").
func (e *Engine) flushLoop() {
	defer e.closer.Done()
	for {
		select {
		case <-e.closer.Ctx().Done():
			return
		case m := <-e.flushChan:
			if err := e.flushOne(m); err != nil {
				continue
			}
			e.mu.Lock()
			for i, im := range e.immutables {
				if im == m {
					e.immutables = append(e.immutables[:i], e.immutables[i+1:]...)
					break
				}
			}
			waiters := e.drainWaiters
			e.drainWaiters = nil
			e.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
		}
	}
}

func (e *Engine) flushOne(m *memtable.Memtable) error {
	if e.levels.NumLevel0Tables() >= e.opts.Level0NumTablesStall {
		stallTicker := time.NewTicker(10 * time.Millisecond)
		for e.levels.NumLevel0Tables() >= e.opts.Level0NumTablesStall {
			select {
			case <-e.closer.Ctx().Done():
				stallTicker.Stop()
				return nil
			case <-stallTicker.C:
			}
		}
		stallTicker.Stop()
	}

	id := e.levels.AllocTableID()
	path := y.TableName(e.opts.Dir, id)

	tableOpts := table.DefaultOptions()
	tableOpts.BlockSize = e.opts.BlockSize
	tableOpts.Compression = e.opts.Compression
	tableOpts.ChecksumAlgo = e.opts.ChecksumAlgo
	tableOpts.BloomBitsPerKey = e.opts.BloomBitsPerKey
	tableOpts.Cipher = e.cipher
	tableOpts.CipherKeyID = e.keyID
	tableOpts.BaseNonce = e.baseNonce

	w, err := table.NewWriter(path, tableOpts, 1024)
	if err != nil {
		return err
	}

	it := m.NewIterator()
	it.SeekToFirst()
	for it.Valid() {
		vm, err := y.DecodeValueMeta(it.Value())
		if err != nil {
			w.Abort()
			return err
		}
		if err := w.Add(it.Key(), vm.Encode(), false); err != nil {
			w.Abort()
			return err
		}
		it.Next()
	}

	if w.Empty() {
		w.Abort()
		return m.Delete()
	}
	if _, err := w.Finish(); err != nil {
		w.Abort()
		return err
	}

	t, err := table.Open(id, path, e.cipher, e.baseNonce, e.blockCache)
	if err != nil {
		return err
	}
	if err := e.levels.PushL0(t); err != nil {
		return err
	}
	return m.Delete()
}
