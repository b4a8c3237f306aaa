package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oarkflow/mors/internal/y"
)

func TestOpenCreatesFreshManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if len(m.Tables()) != 0 {
		t.Fatalf("expected empty manifest, got %d tables", len(m.Tables()))
	}
	if _, err := os.Stat(filepath.Join(dir, "MANIFEST")); err != nil {
		t.Fatalf("expected MANIFEST file to exist: %v", err)
	}
}

func TestPushChangesAndReopenReplays(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.PushChanges([]Change{
		{ID: 1, Op: OpCreate, Level: 0, KeyID: 5, Compression: y.CompressionSnappy},
		{ID: 2, Op: OpCreate, Level: 1, KeyID: 5, Compression: y.CompressionNone},
	}); err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	tables := m2.Tables()
	if len(tables) != 2 {
		t.Fatalf("expected 2 live tables after replay, got %d", len(tables))
	}
	if tables[1].Level != 0 || tables[2].Level != 1 {
		t.Fatalf("unexpected levels after replay: %+v", tables)
	}
}

func TestPushChangesDeleteRemovesTable(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if err := m.PushChanges([]Change{{ID: 1, Op: OpCreate, Level: 0}}); err != nil {
		t.Fatalf("PushChanges create: %v", err)
	}
	if err := m.PushChanges([]Change{{ID: 1, Op: OpDelete, Level: 0}}); err != nil {
		t.Fatalf("PushChanges delete: %v", err)
	}
	if len(m.Tables()) != 0 {
		t.Fatalf("expected table to be gone after delete")
	}
}

func TestReplayTruncatesCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.PushChanges([]Change{{ID: 1, Op: OpCreate, Level: 0}}); err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "MANIFEST")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 1, 2, 3}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	m2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer m2.Close()
	if len(m2.Tables()) != 1 {
		t.Fatalf("expected the valid record to survive truncation, got %d tables", len(m2.Tables()))
	}
}

func TestRewriteOnDeletionThreshold(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	m.RewriteThreshold = 2

	for i := uint64(1); i <= 12; i++ {
		if err := m.PushChanges([]Change{{ID: i, Op: OpCreate, Level: 0}}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 11; i++ {
		if err := m.PushChanges([]Change{{ID: i, Op: OpDelete, Level: 0}}); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if len(m.Tables()) != 1 {
		t.Fatalf("expected exactly 1 surviving table, got %d", len(m.Tables()))
	}

	stat, err := os.Stat(filepath.Join(dir, "MANIFEST"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// A rewrite leaves one CREATE record; without it all 23 records remain.
	if stat.Size() > 64 {
		t.Fatalf("expected rewrite to have compacted the manifest file, size=%d", stat.Size())
	}
}

func TestRevertRemovesOrphanedSSTables(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if err := m.PushChanges([]Change{{ID: 1, Op: OpCreate, Level: 0}}); err != nil {
		t.Fatalf("PushChanges: %v", err)
	}

	if err := os.WriteFile(y.TableName(dir, 1), []byte("live"), 0o600); err != nil {
		t.Fatalf("write live table: %v", err)
	}
	if err := os.WriteFile(y.TableName(dir, 2), []byte("orphan"), 0o600); err != nil {
		t.Fatalf("write orphan table: %v", err)
	}

	if err := m.Revert(dir); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if _, err := os.Stat(y.TableName(dir, 2)); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned table to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(y.TableName(dir, 1)); err != nil {
		t.Fatalf("expected live table to survive revert: %v", err)
	}
}

func TestRevertFailsWhenManifestReferencesMissingTable(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if err := m.PushChanges([]Change{{ID: 5, Op: OpCreate, Level: 0}}); err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
	if err := m.Revert(dir); err == nil {
		t.Fatalf("expected Revert to fail when a referenced table is missing on disk")
	}
}
