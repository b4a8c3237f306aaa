package oracle

import (
	"testing"
	"time"
)

func TestReadTsMonotonicAfterCommits(t *testing.T) {
	o := New()
	ts0 := o.ReadTs()
	commitTs, ok := o.TryCommit(ts0, nil, map[uint64]struct{}{1: {}})
	if !ok {
		t.Fatalf("expected first commit to succeed")
	}
	o.DoneCommit(commitTs)
	o.DoneRead(ts0)

	ts1 := o.ReadTs()
	if ts1 < commitTs {
		t.Fatalf("expected a new reader to observe the prior commit: ts1=%d commitTs=%d", ts1, commitTs)
	}
	o.DoneRead(ts1)
}

func TestTryCommitDetectsReadWriteConflict(t *testing.T) {
	o := New()
	keyX := map[uint64]struct{}{42: {}}

	readTsA := o.ReadTs()
	readTsB := o.ReadTs()

	commitA, ok := o.TryCommit(readTsA, keyX, keyX)
	if !ok {
		t.Fatalf("expected A's commit to succeed (no prior commits to conflict with)")
	}
	o.DoneCommit(commitA)

	if _, ok := o.TryCommit(readTsB, keyX, keyX); ok {
		t.Fatalf("expected B to conflict: it read a key A committed after B's snapshot")
	}

	o.DoneRead(readTsA)
	o.DoneRead(readTsB)
}

func TestTryCommitNoConflictOnDisjointKeys(t *testing.T) {
	o := New()
	readTs := o.ReadTs()

	commitA, ok := o.TryCommit(readTs, map[uint64]struct{}{1: {}}, map[uint64]struct{}{1: {}})
	if !ok {
		t.Fatalf("expected first commit to succeed")
	}
	o.DoneCommit(commitA)

	readTs2 := o.ReadTs()
	if _, ok := o.TryCommit(readTs2, map[uint64]struct{}{2: {}}, map[uint64]struct{}{2: {}}); !ok {
		t.Fatalf("expected no conflict between disjoint read/write sets")
	}
	o.DoneRead(readTs)
	o.DoneRead(readTs2)
}

func TestCleanupCommittedPrunesBelowReadMark(t *testing.T) {
	o := New()
	readTs := o.ReadTs()
	commitTs, ok := o.TryCommit(readTs, nil, map[uint64]struct{}{7: {}})
	if !ok {
		t.Fatalf("expected commit to succeed")
	}
	o.DoneCommit(commitTs)
	o.DoneRead(readTs)
	// A second read taken after the commit moves the read mark's
	// done-until up to the commit timestamp once it is retired.
	readTs2 := o.ReadTs()
	o.DoneRead(readTs2)

	if len(o.committed) != 1 {
		t.Fatalf("expected one committed entry before cleanup, got %d", len(o.committed))
	}
	o.CleanupCommitted()
	if len(o.committed) != 0 {
		t.Fatalf("expected committed entries at or below the read mark to be pruned, got %d", len(o.committed))
	}
}

func TestReadTsWaitsForPendingCommitDurability(t *testing.T) {
	o := New()
	readTs := o.ReadTs()
	commitTs, ok := o.TryCommit(readTs, nil, map[uint64]struct{}{1: {}})
	if !ok {
		t.Fatalf("expected commit to succeed")
	}

	done := make(chan uint64, 1)
	go func() {
		done <- o.ReadTs()
	}()

	select {
	case <-done:
		t.Fatalf("expected ReadTs to block until DoneCommit makes the pending commit durable")
	case <-time.After(30 * time.Millisecond):
	}

	o.DoneCommit(commitTs)

	select {
	case ts := <-done:
		if ts < commitTs {
			t.Fatalf("expected new read ts >= commitTs, got %d < %d", ts, commitTs)
		}
	case <-time.After(time.Second):
		t.Fatalf("ReadTs never unblocked after DoneCommit")
	}
	o.DoneRead(readTs)
}
