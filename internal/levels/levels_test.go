package levels

import (
	"path/filepath"
	"testing"

	"github.com/oarkflow/mors/internal/manifest"
	"github.com/oarkflow/mors/internal/table"
	"github.com/oarkflow/mors/internal/y"
)

// writeTable writes a table containing the given user keys (each with a
// single version at ts=1) to dir and registers it in man at level.
func writeTable(t *testing.T, dir string, man *manifest.Manifest, id uint64, level int, keys []string) {
	t.Helper()
	full := y.TableName(dir, id)

	w, err := table.NewWriter(full, table.DefaultOptions(), len(keys))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, k := range keys {
		vm := y.ValueMeta{Value: []byte("v-" + k)}
		if err := w.Add(y.NewKeyTs([]byte(k), 1), vm.Encode(), false); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := man.PushChanges([]manifest.Change{{ID: id, Op: manifest.OpCreate, Level: level}}); err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
}

func openController(t *testing.T, dir string, man *manifest.Manifest) *Controller {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.NumLevels = 4
	c, err := Open(opts, man)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenBuildsHandlersFromManifest(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer man.Close()

	writeTable(t, dir, man, 1, 0, []string{"a", "b"})
	writeTable(t, dir, man, 2, 1, []string{"c", "d"})

	c := openController(t, dir, man)
	if c.NumLevel0Tables() != 1 {
		t.Fatalf("expected 1 L0 table, got %d", c.NumLevel0Tables())
	}
	k, v, ok, err := c.Get(y.NewKeyTs([]byte("c"), 1))
	if err != nil || !ok {
		t.Fatalf("Get(c) = %+v %q %v err=%v", k, v, ok, err)
	}
	vm, err := y.DecodeValueMeta(v)
	if err != nil || string(vm.Value) != "v-c" {
		t.Fatalf("Get(c) value = %+v err=%v", vm, err)
	}
}

func TestGetReturnsMissForAbsentKey(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer man.Close()
	writeTable(t, dir, man, 1, 0, []string{"a"})

	c := openController(t, dir, man)
	_, _, ok, err := c.Get(y.NewKeyTs([]byte("zzz"), 1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected a miss for an absent key")
	}
}

func TestPushL0RegistersTableAndManifestChange(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer man.Close()

	c := openController(t, dir, man)
	id := c.AllocTableID()
	path := y.TableName(dir, id)
	w, err := table.NewWriter(path, table.DefaultOptions(), 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("fresh"), 1), []byte("val"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	tbl, err := table.Open(id, path, nil, [12]byte{}, nil)
	if err != nil {
		t.Fatalf("table.Open: %v", err)
	}
	if err := c.PushL0(tbl); err != nil {
		t.Fatalf("PushL0: %v", err)
	}
	if c.NumLevel0Tables() != 1 {
		t.Fatalf("expected 1 L0 table after PushL0, got %d", c.NumLevel0Tables())
	}
	if _, ok := man.Tables()[id]; !ok {
		t.Fatalf("expected manifest to record the pushed table")
	}
}

func TestCompactStatusRejectsOverlappingRanges(t *testing.T) {
	cs := newCompactStatus(2)
	a := keyRange{smallest: y.NewKeyTs([]byte("a"), 1), biggest: y.NewKeyTs([]byte("m"), 1)}
	b := keyRange{smallest: y.NewKeyTs([]byte("k"), 1), biggest: y.NewKeyTs([]byte("z"), 1)}
	c := keyRange{smallest: y.NewKeyTs([]byte("n"), 1), biggest: y.NewKeyTs([]byte("z"), 1)}

	if !cs.checkUpdate(0, a) {
		t.Fatalf("expected first range to register cleanly")
	}
	if cs.checkUpdate(0, b) {
		t.Fatalf("expected overlapping range to be rejected")
	}
	if !cs.checkUpdate(0, c) {
		t.Fatalf("expected a disjoint range to register")
	}
	cs.release(0, a)
	if !cs.checkUpdate(0, b) {
		t.Fatalf("expected range to register again after release")
	}
}

func TestBuildPlanCompactsL0WhenOverLevel0TablesLen(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer man.Close()

	for i := uint64(1); i <= 6; i++ {
		writeTable(t, dir, man, i, 0, []string{"k"})
	}

	opts := DefaultOptions(dir)
	opts.NumLevels = 4
	opts.Level0TablesLen = 5
	c, err := Open(opts, man)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	pl := c.buildPlan()
	if pl == nil {
		t.Fatalf("expected a plan once L0 table count exceeds Level0TablesLen")
	}
	if pl.thisLevel != 0 {
		t.Fatalf("expected the plan to originate at L0, got level %d", pl.thisLevel)
	}
}

func TestRunCompactionMergesAndUpdatesManifest(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer man.Close()

	writeTable(t, dir, man, 1, 0, []string{"a", "b", "c"})

	opts := DefaultOptions(dir)
	opts.NumLevels = 4
	c, err := Open(opts, man)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	pl := c.buildPlan()
	if pl == nil {
		t.Fatalf("expected a plan for a nonempty L0")
	}
	if err := c.runCompaction(pl, 0); err != nil {
		t.Fatalf("runCompaction: %v", err)
	}

	if c.NumLevel0Tables() != 0 {
		t.Fatalf("expected L0 to be empty after compaction, got %d tables", c.NumLevel0Tables())
	}
	base := c.baseLevel()
	k, v, ok, err := c.Get(y.NewKeyTs([]byte("b"), 1))
	if err != nil || !ok {
		t.Fatalf("Get(b) after compaction = %+v %q %v err=%v", k, v, ok, err)
	}
	vm, err := y.DecodeValueMeta(v)
	if err != nil || string(vm.Value) != "v-b" {
		t.Fatalf("Get(b) after compaction value = %+v err=%v", vm, err)
	}
	if _, ok := man.Tables()[1]; ok {
		t.Fatalf("expected the original L0 table id to be retired from the manifest")
	}
	_ = base
}

func TestMergeTablesDropsSupersededVersionsBelowDiscardTs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	w, err := table.NewWriter(path, table.DefaultOptions(), 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	vmNew := y.ValueMeta{Value: []byte("new")}
	vmOld := y.ValueMeta{Value: []byte("old")}
	if err := w.Add(y.NewKeyTs([]byte("k"), 5), vmNew.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("k"), 2), vmOld.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	tbl, err := table.Open(1, path, nil, [12]byte{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	merged := mergeTables([]*table.Table{tbl}, nil, 10, nil)
	if len(merged) != 1 {
		t.Fatalf("expected the older version to be dropped at discardTs=10, got %d entries", len(merged))
	}
	gotNew, err := y.DecodeValueMeta(merged[0].value)
	if err != nil || string(gotNew.Value) != "new" || merged[0].stale {
		t.Fatalf("expected the surviving entry to be the fresh, non-stale newest version, got %+v stale=%v err=%v", gotNew, merged[0].stale, err)
	}

	keepBoth := mergeTables([]*table.Table{tbl}, nil, 1, nil)
	if len(keepBoth) != 2 {
		t.Fatalf("expected both versions to survive when discardTs is below both timestamps, got %d", len(keepBoth))
	}
}

func TestMergeTablesDropsTombstoneAndOlderVersionBelowDiscardTs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	w, err := table.NewWriter(path, table.DefaultOptions(), 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	vmDeleted := y.ValueMeta{Meta: y.MetaDelete}
	vmOld := y.ValueMeta{Value: []byte("1")}
	if err := w.Add(y.NewKeyTs([]byte("x"), 7), vmDeleted.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("x"), 5), vmOld.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	tbl, err := table.Open(1, path, nil, [12]byte{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	merged := mergeTables([]*table.Table{tbl}, nil, 8, nil)
	if len(merged) != 0 {
		t.Fatalf("expected the tombstone and the value it shadows to both be removed, got %d entries", len(merged))
	}
}

func TestMergeTablesHonorsDiscardEarlierVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	w, err := table.NewWriter(path, table.DefaultOptions(), 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	vmKeep := y.ValueMeta{Value: []byte("keep"), Meta: y.MetaDiscardEarlierVersions}
	vmDrop := y.ValueMeta{Value: []byte("drop-me")}
	if err := w.Add(y.NewKeyTs([]byte("k"), 9), vmKeep.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("k"), 3), vmDrop.Encode(), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	tbl, err := table.Open(1, path, nil, [12]byte{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	merged := mergeTables([]*table.Table{tbl}, nil, 100, nil)
	if len(merged) != 1 {
		t.Fatalf("expected only the newest version to survive, got %d entries", len(merged))
	}
	vm, err := y.DecodeValueMeta(merged[0].value)
	if err != nil || string(vm.Value) != "keep" {
		t.Fatalf("expected surviving value %q, got %+v err=%v", "keep", vm, err)
	}
}

func TestSplitChunksBoundsChunksByBottomTableCount(t *testing.T) {
	sorted := make([]kv, 30)
	for i := range sorted {
		sorted[i] = kv{key: y.NewKeyTs([]byte{byte(i)}, 1)}
	}

	chunks := splitChunks(sorted, 6, maxSubChunks)
	if len(chunks) > 2 {
		t.Fatalf("expected at most 2 chunks for 6 bottom tables, got %d", len(chunks))
	}

	chunks = splitChunks(sorted, 0, maxSubChunks)
	if len(chunks) != maxSubChunks {
		t.Fatalf("expected the default chunk cap when there are no bottom tables, got %d", len(chunks))
	}
}
