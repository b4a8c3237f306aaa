// Package levels implements the leveled compaction controller (spec §3
// "Level Controller", §4.F). Grounded on original_source's levels.rs
// (per-level handler, target-size computation, priority cascade) and
// compaction.rs (L0 vs Lbase vs Lk->Lk+1 planning, CompactStatus conflict
// registry), generalized to mors's KeyTs ordering and table package.
package levels

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/manifest"
	"github.com/oarkflow/mors/internal/table"
	"github.com/oarkflow/mors/internal/valuelog"
	"github.com/oarkflow/mors/internal/y"
)

// Options configures the level controller (spec §4.F).
type Options struct {
	Dir                  string
	NumLevels            int
	MemtableSize         int64
	BaseLevelTotalSize   int64
	LevelSizeMultiplier  int64
	TableSizeMultiplier  int64
	Level0TablesLen      int
	Level0NumTablesStall int
	NumCompactors        int
	TableOptions         table.Options
	Cipher               kms.Cipher
	BaseNonce            [12]byte
	BlockCache           *table.LRUCache
	// VLog receives discard notifications for compacted-away
	// VALUE_POINTER entries, feeding its GC candidate selection (spec
	// §4.I). May be nil in tests that don't exercise value-log GC.
	VLog *valuelog.Log
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir: dir, NumLevels: 7, MemtableSize: 64 << 20, BaseLevelTotalSize: 10 << 20,
		LevelSizeMultiplier: 10, TableSizeMultiplier: 2, Level0TablesLen: 5,
		Level0NumTablesStall: 20, NumCompactors: 3,
		TableOptions: table.DefaultOptions(),
	}
}

// handler is one level's live table set, ordered the way spec §4.F
// requires: L0 by descending file id (newest first, since L0 tables can
// overlap), every other level by ascending smallest key (non-overlapping).
type handler struct {
	mu     sync.RWMutex
	level  int
	tables []*table.Table
}

func (h *handler) sort() {
	if h.level == 0 {
		sort.Slice(h.tables, func(i, j int) bool { return h.tables[i].ID > h.tables[j].ID })
	} else {
		sort.Slice(h.tables, func(i, j int) bool {
			return y.Compare(h.tables[i].Smallest(), h.tables[j].Smallest()) < 0
		})
	}
}

func (h *handler) totalSize() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var sz int64
	for _, t := range h.tables {
		sz += t.Size()
	}
	return sz
}

// Controller owns every level's handler and coordinates compaction
// against the manifest (spec §4.F).
type Controller struct {
	opts Options
	man  *manifest.Manifest
	vlog *valuelog.Log

	handlers   []*handler
	nextTableID uint64
	idMu       sync.Mutex

	targetSize     []int64
	fileSize       []int64
	baseLevelCache int

	status *CompactStatus

	closer *y.Closer
}

// Open constructs a controller and opens every table the manifest lists
// as live (spec §4.G "revert" feeds this).
func Open(opts Options, man *manifest.Manifest) (*Controller, error) {
	c := &Controller{opts: opts, man: man, vlog: opts.VLog, status: newCompactStatus(opts.NumLevels)}
	c.handlers = make([]*handler, opts.NumLevels)
	for i := range c.handlers {
		c.handlers[i] = &handler{level: i}
	}

	for id, meta := range man.Tables() {
		path := y.TableName(opts.Dir, id)
		t, err := table.Open(id, path, opts.Cipher, opts.BaseNonce, opts.BlockCache)
		if err != nil {
			return nil, fmt.Errorf("mors: open table %06d: %w", id, err)
		}
		c.handlers[meta.Level].tables = append(c.handlers[meta.Level].tables, t)
		if id >= c.nextTableID {
			c.nextTableID = id + 1
		}
	}
	for _, h := range c.handlers {
		h.sort()
	}
	c.computeTargetSizes()
	return c, nil
}

func (c *Controller) AllocTableID() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextTableID
	c.nextTableID++
	return id
}

// computeTargetSizes implements spec §4.F's target-size cascade: walking
// from the max level upward, the first level whose total size is at or
// below base_level_total_size becomes base_level; target_size[i+1] =
// max(level_size, base_level_total_size), target_size[i] =
// target_size[i+1] / level_size_multiplier. file_size[0] = memtable_size;
// file_size grows by table_size_multiplier per level below L0.
func (c *Controller) computeTargetSizes() {
	n := c.opts.NumLevels
	c.targetSize = make([]int64, n)
	c.fileSize = make([]int64, n)

	last := n - 1
	base := last
	for i := last; i >= 1; i-- {
		sz := c.handlers[i].totalSize()
		if sz <= c.opts.BaseLevelTotalSize {
			base = i
			break
		}
	}

	levelSize := c.handlers[last].totalSize()
	c.targetSize[last] = maxI64(levelSize, c.opts.BaseLevelTotalSize)
	for i := last - 1; i >= 1; i-- {
		c.targetSize[i] = c.targetSize[i+1] / maxI64(c.opts.LevelSizeMultiplier, 1)
	}
	c.baseLevelCache = base

	c.fileSize[0] = c.opts.MemtableSize
	for i := 1; i < n; i++ {
		c.fileSize[i] = c.fileSize[0] * pow(c.opts.TableSizeMultiplier, int64(i))
	}
}

func pow(base, exp int64) int64 {
	r := int64(1)
	for i := int64(0); i < exp; i++ {
		r *= base
	}
	return r
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// baseLevel returns the level L0 compactions land in, computed by
// computeTargetSizes (spec §4.F "L0 -> Lbase").
func (c *Controller) baseLevel() int { return c.baseLevelCache }

// priority is one level's compaction urgency: actual size over target
// size, with L0 instead scored by table count against Level0TablesLen
// (spec §4.F "priority computation").
type priority struct {
	level int
	score float64
}

// pickCompaction computes per-level priorities, then cascade-adjusts them:
// walking from base_level to the deepest level, if the previous level's
// adjusted score is >= 1.0, that previous score is divided by this
// level's score (floored at 0.01), so a deep level already near its
// target size doesn't get starved behind a shallower level with an even
// higher raw score (spec §4.F "Priorities"). Returns levels sorted by
// descending adjusted score.
func (c *Controller) pickCompaction() []priority {
	n := len(c.handlers)
	prios := make([]priority, n)

	h0 := c.handlers[0]
	h0.mu.RLock()
	l0Count := len(h0.tables)
	h0.mu.RUnlock()
	prios[0] = priority{level: 0, score: float64(l0Count) / float64(maxI64(int64(c.opts.Level0TablesLen), 1))}

	for i := 1; i < n; i++ {
		sz := c.handlers[i].totalSize()
		target := c.targetSize[i]
		if target <= 0 {
			prios[i] = priority{level: i, score: 0}
			continue
		}
		prios[i] = priority{level: i, score: float64(sz) / float64(target)}
	}

	base := c.baseLevel()
	prevLevel := -1
	for i := base; i < n; i++ {
		if prevLevel >= 0 && prios[prevLevel].score >= 1.0 && prios[i].score > 0 {
			adjusted := prios[prevLevel].score / prios[i].score
			if adjusted < 0.01 {
				adjusted = 0.01
			}
			prios[prevLevel].score = adjusted
		}
		prevLevel = i
	}

	sort.Slice(prios, func(i, j int) bool { return prios[i].score > prios[j].score })
	return prios
}

// CompactStatus is the cross-goroutine registry of key ranges currently
// under compaction, preventing two compactors from picking overlapping
// input tables (spec §4.F "CompactStatus").
type CompactStatus struct {
	mu     sync.Mutex
	levels []levelCompactStatus
}

type levelCompactStatus struct {
	ranges []keyRange
}

type keyRange struct {
	smallest, biggest y.KeyTs
}

func overlaps(a, b keyRange) bool {
	return y.Compare(a.smallest, b.biggest) <= 0 && y.Compare(b.smallest, a.biggest) <= 0
}

func sameRange(a, b keyRange) bool {
	return y.Compare(a.smallest, b.smallest) == 0 && y.Compare(a.biggest, b.biggest) == 0
}

func newCompactStatus(numLevels int) *CompactStatus {
	return &CompactStatus{levels: make([]levelCompactStatus, numLevels)}
}

// checkUpdate atomically verifies no in-flight compaction overlaps r at
// level, then registers r if free.
func (cs *CompactStatus) checkUpdate(level int, r keyRange) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, existing := range cs.levels[level].ranges {
		if overlaps(existing, r) {
			return false
		}
	}
	cs.levels[level].ranges = append(cs.levels[level].ranges, r)
	return true
}

func (cs *CompactStatus) release(level int, r keyRange) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ranges := cs.levels[level].ranges
	for i, existing := range ranges {
		if sameRange(existing, r) {
			cs.levels[level].ranges = append(ranges[:i], ranges[i+1:]...)
			return
		}
	}
}

// plan describes one compaction job: tables read from thisLevel and
// nextLevel, merged, and written out as new nextLevel tables.
type plan struct {
	thisLevel, nextLevel int
	top, bot             []*table.Table
}

// buildPlan picks input tables for the highest-priority eligible level
// (spec §4.F planning: L0->Lbase, L0->L0 fallback, Lk->Lk+1, Lmax->Lmax).
func (c *Controller) buildPlan() *plan {
	for _, p := range c.pickCompaction() {
		if p.score < 1.0 && p.level != 0 {
			continue
		}
		if pl := c.planForLevel(p.level); pl != nil {
			return pl
		}
	}
	return nil
}

func (c *Controller) planForLevel(level int) *plan {
	n := len(c.handlers)
	if level == 0 {
		return c.planL0()
	}
	if level == n-1 {
		return c.planLmax(level)
	}
	return c.planLkToLk1(level)
}

// planL0 plans an L0->Lbase compaction when the base level's key range
// can be reserved; otherwise it falls back to L0->L0, merging >= 2 old,
// small L0 tables into a single file so L0 pressure still drains even
// when the base level is contended (spec §4.F "Plan").
func (c *Controller) planL0() *plan {
	h0 := c.handlers[0]
	h0.mu.RLock()
	top := append([]*table.Table(nil), h0.tables...)
	h0.mu.RUnlock()
	if len(top) == 0 {
		return nil
	}
	r := l0Range(top)
	if !c.status.checkUpdate(0, r) {
		return nil
	}

	if base := c.baseLevel(); base > 0 {
		hb := c.handlers[base]
		hb.mu.RLock()
		bot := overlappingTables(hb.tables, r)
		hb.mu.RUnlock()
		if c.status.checkUpdate(base, r) {
			return &plan{thisLevel: 0, nextLevel: base, top: top, bot: bot}
		}
	}

	// L0 -> Lbase could not be reserved (or there is no deep level at
	// all yet): fall back to merging old, small L0 tables with each
	// other so L0 still drains.
	cutoff := time.Now().Add(-10 * time.Second)
	maxSize := 2 * c.opts.MemtableSize
	var small []*table.Table
	for _, t := range top {
		if t.CreatedAt().Before(cutoff) && t.Size() < maxSize {
			small = append(small, t)
		}
	}
	if len(small) < 2 {
		c.status.release(0, r)
		return nil
	}
	return &plan{thisLevel: 0, nextLevel: 0, top: small}
}

// planLkToLk1 sorts level's tables by max_version ascending and picks the
// first whose key range doesn't conflict with an in-progress compaction,
// collecting overlapping Lk+1 tables as the merge's bottom input (spec
// §4.F "Plan").
func (c *Controller) planLkToLk1(level int) *plan {
	h := c.handlers[level]
	h.mu.RLock()
	tables := append([]*table.Table(nil), h.tables...)
	h.mu.RUnlock()
	if len(tables) == 0 {
		return nil
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].MaxVersion() < tables[j].MaxVersion() })

	for _, t := range tables {
		r := keyRange{t.Smallest(), t.Biggest()}
		if !c.status.checkUpdate(level, r) {
			continue
		}
		hn := c.handlers[level+1]
		hn.mu.RLock()
		bot := overlappingTables(hn.tables, r)
		hn.mu.RUnlock()
		if !c.status.checkUpdate(level+1, r) {
			c.status.release(level, r)
			continue
		}
		return &plan{thisLevel: level, nextLevel: level + 1, top: []*table.Table{t}, bot: bot}
	}
	return nil
}

// planLmax picks the table with the most stale data and pulls adjacent
// (by key order) neighbors that themselves carry stale data into the same
// job, until the accumulated size reaches file_size[Lmax] or no
// neighboring table has any stale data left to reclaim (spec §4.F "Plan").
func (c *Controller) planLmax(level int) *plan {
	h := c.handlers[level]
	h.mu.RLock()
	tables := append([]*table.Table(nil), h.tables...)
	h.mu.RUnlock()
	if len(tables) == 0 {
		return nil
	}

	byStale := append([]*table.Table(nil), tables...)
	sort.Slice(byStale, func(i, j int) bool { return byStale[i].StaleSize() > byStale[j].StaleSize() })

	byKey := append([]*table.Table(nil), tables...)
	sort.Slice(byKey, func(i, j int) bool { return y.Compare(byKey[i].Smallest(), byKey[j].Smallest()) < 0 })
	posOf := make(map[uint64]int, len(byKey))
	for i, t := range byKey {
		posOf[t.ID] = i
	}

	for _, seed := range byStale {
		if seed.StaleSize() == 0 {
			break
		}
		pos := posOf[seed.ID]
		picked := []*table.Table{seed}
		accumulated := seed.Size()
		lo, hi := pos-1, pos+1
		for accumulated < c.fileSize[level] {
			grew := false
			if lo >= 0 && byKey[lo].StaleSize() > 0 {
				picked = append([]*table.Table{byKey[lo]}, picked...)
				accumulated += byKey[lo].Size()
				lo--
				grew = true
				if accumulated >= c.fileSize[level] {
					break
				}
			}
			if hi < len(byKey) && byKey[hi].StaleSize() > 0 {
				picked = append(picked, byKey[hi])
				accumulated += byKey[hi].Size()
				hi++
				grew = true
			}
			if !grew {
				break
			}
		}
		r := keyRange{picked[0].Smallest(), picked[len(picked)-1].Biggest()}
		if !c.status.checkUpdate(level, r) {
			continue
		}
		return &plan{thisLevel: level, nextLevel: level, top: picked}
	}
	return nil
}

func l0Range(tables []*table.Table) keyRange {
	r := keyRange{smallest: tables[0].Smallest(), biggest: tables[0].Biggest()}
	for _, t := range tables[1:] {
		if y.Compare(t.Smallest(), r.smallest) < 0 {
			r.smallest = t.Smallest()
		}
		if y.Compare(t.Biggest(), r.biggest) > 0 {
			r.biggest = t.Biggest()
		}
	}
	return r
}

func overlappingTables(tables []*table.Table, r keyRange) []*table.Table {
	var out []*table.Table
	for _, t := range tables {
		if y.Compare(t.Smallest(), r.biggest) <= 0 && y.Compare(r.smallest, t.Biggest()) <= 0 {
			out = append(out, t)
		}
	}
	return out
}

// maxSubChunks bounds how many parallel sub-ranges one compaction job
// splits into (spec §4.F "sub-range splitting <= 5").
const maxSubChunks = 5

// runCompaction merges plan.top and plan.bot via a KeyTs-ordered merge,
// dropping versions an MVCC reader could never observe, and writes the
// result as new tables in nextLevel. The manifest swap (DELETE inputs,
// CREATE outputs) is applied atomically once every output table is
// durable (spec §4.F "compaction execution").
func (c *Controller) runCompaction(pl *plan, discardTs y.TxnTs) error {
	merged := mergeTables(pl.top, pl.bot, discardTs, c.vlog)

	var changes []manifest.Change
	var newTables []*table.Table

	if len(merged) > 0 {
		maxChunks := maxSubChunks
		if pl.thisLevel == 0 && pl.nextLevel == 0 {
			maxChunks = 1
		}
		chunks := splitChunks(merged, len(pl.bot), maxChunks)
		for _, chunk := range chunks {
			if len(chunk) == 0 {
				continue
			}
			id := c.AllocTableID()
			path := y.TableName(c.opts.Dir, id)
			w, err := table.NewWriter(path, c.opts.TableOptions, len(chunk))
			if err != nil {
				return err
			}
			for _, kv := range chunk {
				if err := w.Add(kv.key, kv.value, kv.stale); err != nil {
					w.Abort()
					return err
				}
			}
			if _, err := w.Finish(); err != nil {
				w.Abort()
				return err
			}
			t, err := table.Open(id, path, c.opts.Cipher, c.opts.BaseNonce, c.opts.BlockCache)
			if err != nil {
				return err
			}
			newTables = append(newTables, t)
			changes = append(changes, manifest.Change{
				ID: id, Op: manifest.OpCreate, Level: pl.nextLevel,
				KeyID: c.opts.TableOptions.CipherKeyID, Compression: c.opts.TableOptions.Compression.Kind,
			})
		}
	}

	for _, t := range pl.top {
		changes = append(changes, manifest.Change{ID: t.ID, Op: manifest.OpDelete})
	}
	for _, t := range pl.bot {
		changes = append(changes, manifest.Change{ID: t.ID, Op: manifest.OpDelete})
	}

	if err := c.man.PushChanges(changes); err != nil {
		return err
	}

	c.removeTables(pl.thisLevel, pl.top)
	if pl.nextLevel != pl.thisLevel {
		c.removeTables(pl.nextLevel, pl.bot)
	}
	c.addTables(pl.nextLevel, newTables)

	for _, t := range pl.top {
		t.Close()
	}
	for _, t := range pl.bot {
		t.Close()
	}

	c.status.release(pl.thisLevel, l0RangeOrSingle(pl))
	if pl.nextLevel != pl.thisLevel {
		c.status.release(pl.nextLevel, l0RangeOrSingle(pl))
	}
	return nil
}

func l0RangeOrSingle(pl *plan) keyRange {
	if len(pl.top) == 0 {
		return keyRange{}
	}
	return l0Range(pl.top)
}

func (c *Controller) removeTables(level int, remove []*table.Table) {
	h := c.handlers[level]
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := make(map[uint64]bool, len(remove))
	for _, t := range remove {
		rm[t.ID] = true
	}
	kept := h.tables[:0]
	for _, t := range h.tables {
		if !rm[t.ID] {
			kept = append(kept, t)
		}
	}
	h.tables = kept
}

func (c *Controller) addTables(level int, add []*table.Table) {
	if len(add) == 0 {
		return
	}
	h := c.handlers[level]
	h.mu.Lock()
	h.tables = append(h.tables, add...)
	h.mu.Unlock()
	h.sort()
}

// kv is one surviving record produced by a compaction merge. stale marks
// a version dominated by a newer one for the same key, contributing to
// the output table's stale_data_size (spec §4.F "stale_data_size").
type kv struct {
	key   y.KeyTs
	value []byte
	stale bool
}

// discardValuePointer reports the compacted-away entry's bytes to the
// value log's discard tracker so GC can find the segment they live in
// (spec §4.F "emits a value-log discard-delta", §4.I "discard tracking").
func discardValuePointer(vlog *valuelog.Log, vm y.ValueMeta) {
	if vlog == nil || !vm.HasMeta(y.MetaValuePointer) || len(vm.Value) < y.ValuePointerEncodedSize {
		return
	}
	vp := y.DecodeValuePointer(vm.Value)
	vlog.MarkDiscard(vp.Fid, int64(vp.Size))
}

// mergeTables performs a KeyTs-ordered k-way merge across every input
// table and applies spec §4.F's version-pruning rules per user key:
// every version with txn_ts >= discardTs survives; below discardTs, at
// most one version survives (the newest such one), and it never
// survives as a DELETE tombstone, since no live reader can reach
// anything discardTs or older anyway. A MetaDiscardEarlierVersions flag
// on a key's newest version drops every older version for that key
// outright, regardless of discardTs. Every dropped VALUE_POINTER entry
// is reported to vlog for GC bookkeeping.
func mergeTables(top, bot []*table.Table, discardTs y.TxnTs, vlog *valuelog.Log) []kv {
	var its []*table.Iterator
	for _, t := range append(append([]*table.Table(nil), top...), bot...) {
		it := t.NewIterator()
		it.SeekToFirst()
		its = append(its, it)
	}

	var out []kv
	var curUserKey []byte
	haveCur := false
	haveNewest := false  // have we seen the newest version of the current key yet
	discardEarlier := false // newest version asked to drop everything older
	keptBelow := false       // already resolved the single below-discardTs slot
	haveAbove := false       // a version >= discardTs was already kept for this key

	for {
		best := -1
		for i, it := range its {
			if !it.Valid() {
				continue
			}
			if best == -1 || y.Compare(it.Key(), its[best].Key()) < 0 {
				best = i
			}
		}
		if best == -1 {
			break
		}
		k := its[best].Key()
		raw := its[best].Value()
		its[best].Next()

		if !haveCur || !y.SameUserKey(k, y.KeyTs{UserKey: curUserKey}) {
			curUserKey = append(curUserKey[:0], k.UserKey...)
			haveCur = true
			haveNewest = false
			discardEarlier = false
			keptBelow = false
			haveAbove = false
		}

		vm, err := y.DecodeValueMeta(raw)
		if err != nil {
			continue // corrupt record; don't propagate garbage forward
		}

		isNewest := !haveNewest
		if !isNewest && discardEarlier {
			discardValuePointer(vlog, vm)
			continue
		}

		switch {
		case k.Ts >= discardTs:
			out = append(out, kv{key: k, value: raw})
			haveAbove = true
		case keptBelow:
			discardValuePointer(vlog, vm)
		case vm.HasMeta(y.MetaDelete):
			keptBelow = true
			discardValuePointer(vlog, vm)
		default:
			keptBelow = true
			out = append(out, kv{key: k, value: raw, stale: haveAbove})
		}

		if isNewest {
			haveNewest = true
			if vm.HasMeta(y.MetaDiscardEarlierVersions) {
				discardEarlier = true
			}
		}
	}
	return out
}

// splitChunks divides a merged run into at most maxChunks sub-ranges, but
// never splits into more chunks than botTables/3 would allow, so a
// compaction job never carves the deepest-level output narrower than
// about 3 bottom-level tables' worth of data (spec §4.F "sub-range
// splitting").
func splitChunks(sorted []kv, botTables, maxChunks int) [][]kv {
	if len(sorted) == 0 {
		return nil
	}
	chunks := maxChunks
	if botTables > 0 {
		if byWidth := botTables / 3; byWidth < chunks {
			chunks = byWidth
		}
	}
	if chunks < 1 {
		chunks = 1
	}
	if chunks > len(sorted) {
		chunks = 1
	}
	size := (len(sorted) + chunks - 1) / chunks
	var out [][]kv
	for i := 0; i < len(sorted); i += size {
		end := i + size
		if end > len(sorted) {
			end = len(sorted)
		}
		out = append(out, sorted[i:end])
	}
	return out
}

// RunCompactor starts one background compaction loop. taskID is not
// consulted: every task runs the same plan selection on each tick, no
// task is given L0 first, and Lmax->Lmax compactions come only from that
// shared plan selection, not from a separate periodic sweep.
func (c *Controller) RunCompactor(taskID int, closer *y.Closer, discardTs func() y.TxnTs) {
	defer closer.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-closer.Ctx().Done():
			return
		case <-ticker.C:
			pl := c.buildPlan()
			if pl == nil {
				continue
			}
			if err := c.runCompaction(pl, discardTs()); err != nil {
				continue
			}
			c.computeTargetSizes()
		}
	}
}

// Get fans a key lookup out across every level beneath the in-memory
// path, newest level first within L0 (handled by handler.sort), then by
// key-range binary search on deeper non-overlapping levels (spec §4.C
// "get" read path, levels portion).
func (c *Controller) Get(key y.KeyTs) (y.KeyTs, []byte, bool, error) {
	for level, h := range c.handlers {
		h.mu.RLock()
		tables := h.tables
		if level > 0 {
			tables = tablesCoveringKey(tables, key)
		}
		h.mu.RUnlock()
		for _, t := range tables {
			k, v, ok, err := t.Get(key)
			if err != nil {
				return y.KeyTs{}, nil, false, err
			}
			if ok {
				return k, v, true, nil
			}
		}
	}
	return y.KeyTs{}, nil, false, nil
}

func tablesCoveringKey(tables []*table.Table, key y.KeyTs) []*table.Table {
	lo, hi := 0, len(tables)
	for lo < hi {
		mid := (lo + hi) / 2
		if y.Compare(tables[mid].Biggest(), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(tables) && y.Compare(tables[lo].Smallest(), key) <= 0 {
		return tables[lo : lo+1]
	}
	return nil
}

// NumLevel0Tables reports L0's current table count, used by the flush
// path to decide whether to stall (spec §4.D "level0_num_tables_stall").
func (c *Controller) NumLevel0Tables() int {
	h := c.handlers[0]
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tables)
}

// PushL0 registers a freshly flushed memtable's SSTable as a new L0
// table and records its manifest CREATE (spec §4.D "flush").
func (c *Controller) PushL0(t *table.Table) error {
	change := manifest.Change{
		ID: t.ID, Op: manifest.OpCreate, Level: 0,
		KeyID: c.opts.TableOptions.CipherKeyID, Compression: c.opts.TableOptions.Compression.Kind,
	}
	if err := c.man.PushChanges([]manifest.Change{change}); err != nil {
		return err
	}
	c.addTables(0, []*table.Table{t})
	return nil
}

func (c *Controller) Close() error {
	for _, h := range c.handlers {
		h.mu.Lock()
		for _, t := range h.tables {
			t.Close()
		}
		h.mu.Unlock()
	}
	return nil
}
