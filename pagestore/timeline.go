// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

package pagestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zenithdb/pagestore/common"
)

// GcInfo is the garbage collection plan for one timeline, produced by the
// tenant's planning phase and consumed by the timeline's reclamation pass.
type GcInfo struct {
	// RetainLsns are the branch points of child timelines, ascending. Data
	// at these LSNs must survive.
	RetainLsns []common.Lsn
	// HorizonCutoff is last_record_lsn minus the configured horizon.
	HorizonCutoff common.Lsn
	// PitrCutoff is the highest LSN older than the PITR window; InvalidLsn
	// retains everything.
	PitrCutoff common.Lsn
}

// pageCacheKey addresses one materialized page in the tenant's read cache.
type pageCacheKey struct {
	timeline common.TimelineID
	key      common.Key
	lsn      common.Lsn
}

// Timeline is one linear history of page versions, optionally branched off
// an ancestor timeline at a fixed LSN. Reads below the branch point walk
// the ancestry chain.
type Timeline struct {
	conf       *PageServerConf
	tenantConf *confHandle

	tenantID   common.TenantID
	timelineID common.TimelineID

	ancestor    *Timeline
	ancestorID  common.TimelineID
	ancestorLsn common.Lsn

	initdbLsn common.Lsn
	pgVersion uint32

	walRedo      WalRedoManager
	walReceiver  WalReceiverLauncher
	remoteIndex  *RemoteIndex
	uploadLayers bool
	pageCache    *lru.Cache

	// mu guards the layer map, the record LSN pair and diskConsistentLsn.
	// Never held across layer file I/O or while calling into another
	// timeline.
	mu                sync.Mutex
	layers            layerMap
	lastRecord        common.RecordLsn
	diskConsistentLsn common.Lsn
	lastWriteAt       time.Time

	lastRecordWatch *watchCell[common.Lsn]

	latestGcCutoffMu  sync.RWMutex
	latestGcCutoffLsn common.Lsn

	gcInfoMu sync.RWMutex
	gcInfo   GcInfo

	state *watchCell[TimelineState]

	// layerRemovalMu serializes compaction, GC and deletion, all of which
	// may drop layer files.
	layerRemovalMu sync.Mutex

	// writerMu admits one writer at a time.
	writerMu sync.Mutex

	log *slog.Logger
}

func newTimeline(
	conf *PageServerConf,
	tenantConf *confHandle,
	metadata *TimelineMetadata,
	ancestor *Timeline,
	tenantID common.TenantID,
	timelineID common.TimelineID,
	walRedo WalRedoManager,
	walReceiver WalReceiverLauncher,
	remoteIndex *RemoteIndex,
	pageCache *lru.Cache,
	uploadLayers bool,
) *Timeline {
	tl := &Timeline{
		conf:              conf,
		tenantConf:        tenantConf,
		tenantID:          tenantID,
		timelineID:        timelineID,
		ancestor:          ancestor,
		ancestorID:        metadata.AncestorTimeline,
		ancestorLsn:       metadata.AncestorLsn,
		initdbLsn:         metadata.InitdbLsn,
		pgVersion:         metadata.PgVersion,
		walRedo:           walRedo,
		walReceiver:       walReceiver,
		remoteIndex:       remoteIndex,
		uploadLayers:      uploadLayers,
		pageCache:         pageCache,
		lastRecord:        common.RecordLsn{Last: metadata.DiskConsistentLsn, Prev: metadata.PrevRecordLsn},
		diskConsistentLsn: metadata.DiskConsistentLsn,
		latestGcCutoffLsn: metadata.LatestGcCutoffLsn,
		state:             newWatchCell(TimelineSuspended),
		log:               slog.With("tenant", tenantID.String(), "timeline", timelineID.String()),
	}
	tl.lastRecordWatch = newWatchCell(metadata.DiskConsistentLsn)
	return tl
}

// ID returns the timeline's identifier.
func (tl *Timeline) ID() common.TimelineID { return tl.timelineID }

// PgVersion returns the major version of the originating database system.
func (tl *Timeline) PgVersion() uint32 { return tl.pgVersion }

// InitdbLsn returns the LSN the root data directory was imported at.
func (tl *Timeline) InitdbLsn() common.Lsn { return tl.initdbLsn }

// AncestorTimelineID returns the parent timeline ID, zero for a root.
func (tl *Timeline) AncestorTimelineID() common.TimelineID { return tl.ancestorID }

// AncestorLsn returns the branch point on the parent.
func (tl *Timeline) AncestorLsn() common.Lsn { return tl.ancestorLsn }

// LastRecordLsn returns the end of the last ingested record.
func (tl *Timeline) LastRecordLsn() common.Lsn {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastRecord.Last
}

// LastRecordRLsn returns the last/prev record LSN pair.
func (tl *Timeline) LastRecordRLsn() common.RecordLsn {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastRecord
}

// DiskConsistentLsn returns the highest LSN durably flushed to layer files.
func (tl *Timeline) DiskConsistentLsn() common.Lsn {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.diskConsistentLsn
}

// LatestGcCutoffLsn returns the oldest LSN still readable on this timeline.
func (tl *Timeline) LatestGcCutoffLsn() common.Lsn {
	tl.latestGcCutoffMu.RLock()
	defer tl.latestGcCutoffMu.RUnlock()
	return tl.latestGcCutoffLsn
}

// GcInfo returns a copy of the current garbage collection plan.
func (tl *Timeline) GcInfo() GcInfo {
	tl.gcInfoMu.RLock()
	defer tl.gcInfoMu.RUnlock()
	info := tl.gcInfo
	info.RetainLsns = append([]common.Lsn(nil), tl.gcInfo.RetainLsns...)
	return info
}

// CurrentState returns the timeline's lifecycle state.
func (tl *Timeline) CurrentState() TimelineState { return tl.state.Load() }

// IsActive reports whether the timeline accepts work.
func (tl *Timeline) IsActive() bool { return tl.CurrentState() == TimelineActive }

// SetState transitions the timeline. Broken is terminal; same-state
// transitions are no-ops.
func (tl *Timeline) SetState(newState TimelineState) {
	switch cur := tl.state.Load(); {
	case cur == newState:
		tl.log.Debug("ignoring state update, no change", "state", newState.String())
	case cur == TimelineBroken:
		tl.log.Error("ignoring state update for broken timeline", "requested", newState.String())
	default:
		tl.state.Store(newState)
	}
}

// LaunchWalReceiver starts WAL ingestion, if a receiver is configured.
func (tl *Timeline) LaunchWalReceiver() {
	if tl.walReceiver != nil {
		tl.walReceiver.Launch(tl)
	}
}

// LoadLayerMap scans the timeline directory and loads every persisted layer
// file, discarding leftover temp files. New writes resume right after
// diskConsistentLsn.
func (tl *Timeline) LoadLayerMap(diskConsistentLsn common.Lsn) error {
	dir := tl.conf.TimelinePath(tl.tenantID, tl.timelineID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list timeline dir %q: %w", dir, err)
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == MetadataFileName:
			continue
		case strings.HasSuffix(name, TempFileSuffix):
			tl.log.Info("removing leftover temp file", "name", name)
			if err := removeAllIgnoreAbsent(filepath.Join(dir, name)); err != nil {
				return err
			}
		default:
			start, end, ok := parseLayerFileName(name)
			if !ok {
				tl.log.Warn("unrecognized file in timeline dir", "name", name)
				continue
			}
			layer, err := readLayerFile(filepath.Join(dir, name), start, end)
			if err != nil {
				return fmt.Errorf("failed to load layer file %q: %w", name, err)
			}
			tl.layers.insertFrozen(layer)
		}
	}
	if diskConsistentLsn.IsValid() {
		tl.layers.nextOpenLayerAt = diskConsistentLsn + 1
	} else if !tl.layers.nextOpenLayerAt.IsValid() {
		tl.layers.nextOpenLayerAt = tl.initdbLsn
	}
	return nil
}

// initEmptyLayerMap points the open layer at the initdb LSN for a timeline
// that has no persisted layers yet.
func (tl *Timeline) initEmptyLayerMap() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.layers.nextOpenLayerAt = tl.initdbLsn
}

// Get returns the page image of key at lsn, replaying WAL deltas through
// the redo manager when the stored versions are not materialized. Reads
// below the branch point are served by the ancestor chain.
func (tl *Timeline) Get(key common.Key, lsn common.Lsn) ([]byte, error) {
	if !lsn.IsValid() {
		return nil, fmt.Errorf("cannot read page %s at invalid lsn", key)
	}
	cutoff := tl.LatestGcCutoffLsn()
	if lsn < cutoff {
		return nil, fmt.Errorf(
			"tried to request a page version that was garbage collected: key %s requested at %s, gc cutoff %s",
			key, lsn, cutoff)
	}

	cacheable := tl.pageCache != nil && lsn <= tl.DiskConsistentLsn()
	cacheKey := pageCacheKey{timeline: tl.timelineID, key: key, lsn: lsn}
	if cacheable {
		if cached, ok := tl.pageCache.Get(cacheKey); ok {
			return cached.([]byte), nil
		}
	}

	base, records, err := tl.collectRecords(key, lsn)
	if err != nil {
		return nil, err
	}
	img := base
	if len(records) > 0 {
		img, err = tl.walRedo.RequestRedo(key, lsn, base, records, tl.pgVersion)
		if err != nil {
			return nil, fmt.Errorf("wal redo failed for key %s at %s: %w", key, lsn, err)
		}
	}
	if cacheable {
		tl.pageCache.Add(cacheKey, img)
	}
	return img, nil
}

// collectRecords gathers the base image and the delta records needed to
// materialize key at lsn, walking this timeline's layers newest-first and
// descending into ancestors below the branch point. The returned records
// are in WAL (ascending) order.
func (tl *Timeline) collectRecords(key common.Key, lsn common.Lsn) ([]byte, []WalRecord, error) {
	var records []WalRecord
	cur := tl
	curLsn := lsn
	for {
		base, complete := cur.collectLocal(key, curLsn, &records)
		if complete {
			reverseRecords(records)
			return base, records, nil
		}
		if cur.ancestor == nil {
			return nil, nil, fmt.Errorf("key %s not found at lsn %s", key, lsn)
		}
		curLsn = common.MinLsn(curLsn, cur.ancestorLsn)
		cur = cur.ancestor
	}
}

// collectLocal scans this timeline's own layers for versions of key at or
// below lsn, appending delta records newest-first. It reports completion
// when an image or an initializing record is reached.
func (tl *Timeline) collectLocal(key common.Key, lsn common.Lsn, records *[]WalRecord) ([]byte, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	scan := func(versions []pageVersion) ([]byte, bool) {
		i := sort.Search(len(versions), func(i int) bool { return versions[i].lsn > lsn })
		for i--; i >= 0; i-- {
			v := versions[i]
			if v.val.Kind == ValueImage {
				return v.val.Data, true
			}
			*records = append(*records, WalRecord{Lsn: v.lsn, Data: v.val.Data, WillInit: v.val.WillInit})
			if v.val.WillInit {
				return nil, true
			}
		}
		return nil, false
	}

	if tl.layers.open != nil {
		if base, done := scan(tl.layers.open.pages[key]); done {
			return base, true
		}
	}
	for i := len(tl.layers.frozen) - 1; i >= 0; i-- {
		if base, done := scan(tl.layers.frozen[i].pages[key]); done {
			return base, true
		}
	}
	return nil, false
}

func reverseRecords(records []WalRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

// TimelineWriter is the single-writer handle advancing a timeline. Close
// releases the writer slot.
type TimelineWriter struct {
	tl *Timeline
}

// Writer acquires the timeline's writer slot.
func (tl *Timeline) Writer() *TimelineWriter {
	tl.writerMu.Lock()
	return &TimelineWriter{tl: tl}
}

// Close releases the writer slot.
func (w *TimelineWriter) Close() {
	w.tl.writerMu.Unlock()
}

// Put stores one page version in the open in-memory layer.
func (w *TimelineWriter) Put(key common.Key, lsn common.Lsn, val Value) error {
	tl := w.tl
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.layers.open == nil {
		start := tl.layers.nextOpenLayerAt
		if !start.IsValid() {
			start = lsn
		}
		tl.layers.open = newOpenLayer(start)
	}
	if lsn < tl.layers.open.start {
		return fmt.Errorf("cannot put page at lsn %s, open layer starts at %s", lsn, tl.layers.open.start)
	}
	tl.layers.open.put(key, lsn, val)
	return nil
}

// FinishWrite advances the last record LSN after all pages of a record have
// been put.
func (w *TimelineWriter) FinishWrite(lsn common.Lsn) {
	tl := w.tl
	tl.mu.Lock()
	if lsn > tl.lastRecord.Last {
		tl.lastRecord.Prev = tl.lastRecord.Last
		tl.lastRecord.Last = lsn
	}
	tl.lastWriteAt = time.Now()
	last := tl.lastRecord.Last
	tl.mu.Unlock()
	tl.lastRecordWatch.Store(last)
}

// openLayerInfo reports the byte size accumulated in the open layer and the
// time of the last write, for the checkpoint distance/timeout policies.
func (tl *Timeline) openLayerInfo() (size uint64, lastWrite time.Time) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.layers.open == nil {
		return 0, tl.lastWriteAt
	}
	return tl.layers.open.size, tl.lastWriteAt
}

// Checkpoint flushes in-memory data to a new frozen layer file and rewrites
// the metadata with the advanced disk-consistent LSN.
func (tl *Timeline) Checkpoint(mode CheckpointMode) error {
	return observeStorageTime("checkpoint", tl.tenantID.String(), tl.timelineID.String(), func() error {
		return tl.checkpointInternal(mode)
	})
}

func (tl *Timeline) checkpointInternal(mode CheckpointMode) error {
	tl.mu.Lock()
	open := tl.layers.open
	if open == nil || len(open.pages) == 0 {
		tl.mu.Unlock()
		return nil
	}
	end := tl.lastRecord.Last + 1
	if end <= open.start {
		end = open.start + 1
	}
	frozen := &storageLayer{
		kind:      deltaLayerKind,
		start:     open.start,
		end:       end,
		createdAt: time.Now(),
		pages:     open.pages,
	}
	tl.layers.open = nil
	tl.layers.nextOpenLayerAt = end
	tl.mu.Unlock()

	dir := tl.conf.TimelinePath(tl.tenantID, tl.timelineID)
	path, err := writeLayerFile(dir, frozen)
	if err != nil {
		return fmt.Errorf("failed to write layer file for timeline %s/%s: %w", tl.tenantID, tl.timelineID, err)
	}
	frozen.path = path
	if err := parFsync(path, dir); err != nil {
		return fmt.Errorf("failed to fsync layer file %q: %w", path, err)
	}

	tl.mu.Lock()
	tl.layers.insertFrozen(frozen)
	tl.diskConsistentLsn = end - 1
	tl.mu.Unlock()

	tl.log.Debug("flushed frozen layer", "start", frozen.start.String(), "end", frozen.end.String(), "mode", mode.String())
	return tl.saveCurrentMetadata()
}

// saveCurrentMetadata rewrites the timeline's metadata file from the
// in-memory state.
func (tl *Timeline) saveCurrentMetadata() error {
	tl.mu.Lock()
	m := &TimelineMetadata{
		DiskConsistentLsn: tl.diskConsistentLsn,
		AncestorTimeline:  tl.ancestorID,
		AncestorLsn:       tl.ancestorLsn,
		LatestGcCutoffLsn: tl.LatestGcCutoffLsn(),
		InitdbLsn:         tl.initdbLsn,
		PgVersion:         tl.pgVersion,
	}
	if tl.lastRecord.Last == tl.diskConsistentLsn {
		m.PrevRecordLsn = tl.lastRecord.Prev
	}
	tl.mu.Unlock()
	return SaveMetadata(tl.conf, tl.tenantID, tl.timelineID, m)
}

// Compact materializes a new image layer at the disk-consistent LSN once
// enough delta layers have accumulated, bounding the redo chain length on
// reads.
func (tl *Timeline) Compact() error {
	return observeStorageTime("compact", tl.tenantID.String(), tl.timelineID.String(), func() error {
		return tl.compactInternal()
	})
}

func (tl *Timeline) compactInternal() error {
	tl.layerRemovalMu.Lock()
	defer tl.layerRemovalMu.Unlock()

	if err := tl.mergeDeltaLayers(); err != nil {
		return err
	}

	threshold := tl.tenantConf.imageCreationThreshold()

	tl.mu.Lock()
	lsn := tl.diskConsistentLsn
	deltas := 0
	keys := make(map[common.Key]struct{})
	haveImageAt := false
	for _, l := range tl.layers.frozen {
		if l.kind == deltaLayerKind {
			deltas++
			for k := range l.pages {
				keys[k] = struct{}{}
			}
		} else if l.start == lsn {
			haveImageAt = true
		}
	}
	tl.mu.Unlock()

	if !lsn.IsValid() || haveImageAt || deltas < threshold || len(keys) == 0 {
		return nil
	}

	pages := make(map[common.Key][]pageVersion, len(keys))
	for key := range keys {
		img, err := tl.Get(key, lsn)
		if err != nil {
			return fmt.Errorf("failed to materialize key %s at %s during compaction: %w", key, lsn, err)
		}
		pages[key] = []pageVersion{{lsn: lsn, val: ImageValue(img)}}
	}
	image := &storageLayer{
		kind:      imageLayerKind,
		start:     lsn,
		end:       lsn + 1,
		createdAt: time.Now(),
		pages:     pages,
	}

	dir := tl.conf.TimelinePath(tl.tenantID, tl.timelineID)
	path, err := writeLayerFile(dir, image)
	if err != nil {
		return fmt.Errorf("failed to write image layer for timeline %s/%s: %w", tl.tenantID, tl.timelineID, err)
	}
	image.path = path
	if err := parFsync(path, dir); err != nil {
		return fmt.Errorf("failed to fsync image layer %q: %w", path, err)
	}

	tl.mu.Lock()
	tl.layers.insertFrozen(image)
	tl.mu.Unlock()
	tl.log.Debug("created image layer", "lsn", lsn.String(), "keys", len(pages))
	return nil
}

// mergeDeltaLayers coalesces runs of small adjacent delta layers into
// larger files, up to the compaction target size. Runs never cross an image
// layer, so versions above an image stay in layers starting above it.
// Caller holds layerRemovalMu.
func (tl *Timeline) mergeDeltaLayers() error {
	minRun := tl.tenantConf.compactionThreshold()
	targetSize := tl.tenantConf.compactionTargetSize()

	tl.mu.Lock()
	var runs [][]*storageLayer
	var run []*storageLayer
	for _, l := range tl.layers.frozen {
		if l.kind != deltaLayerKind {
			if len(run) > 0 {
				runs = append(runs, run)
				run = nil
			}
			continue
		}
		run = append(run, l)
	}
	if len(run) > 0 {
		runs = append(runs, run)
	}
	tl.mu.Unlock()

	dir := tl.conf.TimelinePath(tl.tenantID, tl.timelineID)
	for _, run := range runs {
		if len(run) < minRun || len(run) < 2 {
			continue
		}
		var size uint64
		group := run
		for _, l := range run {
			for _, versions := range l.pages {
				for _, v := range versions {
					size += uint64(len(v.val.Data)) + 16
				}
			}
		}
		if size > targetSize {
			continue
		}
		merged := &storageLayer{
			kind:      deltaLayerKind,
			start:     group[0].start,
			end:       group[len(group)-1].end,
			createdAt: group[0].createdAt,
			pages:     make(map[common.Key][]pageVersion),
		}
		for _, l := range group {
			for key, versions := range l.pages {
				merged.pages[key] = append(merged.pages[key], versions...)
			}
		}
		for _, versions := range merged.pages {
			sort.Slice(versions, func(i, j int) bool { return versions[i].lsn < versions[j].lsn })
		}
		path, err := writeLayerFile(dir, merged)
		if err != nil {
			return fmt.Errorf("failed to write merged layer: %w", err)
		}
		merged.path = path
		if err := parFsync(path, dir); err != nil {
			return err
		}

		tl.mu.Lock()
		kept := tl.layers.frozen[:0]
		for _, l := range tl.layers.frozen {
			drop := false
			for _, g := range group {
				if l == g {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, l)
			}
		}
		tl.layers.frozen = append([]*storageLayer(nil), kept...)
		tl.layers.insertFrozen(merged)
		tl.mu.Unlock()

		for _, l := range group {
			if l.path != "" && l.path != path {
				if err := ignoreNotFound(os.Remove(l.path)); err != nil {
					return err
				}
			}
		}
		tl.log.Debug("merged delta layers", "count", len(group), "start", merged.start.String(), "end", merged.end.String())
	}
	return nil
}

// UpdateGcInfo installs the garbage collection plan computed by the
// tenant's planning phase: the branch points to retain, the horizon cutoff,
// and the PITR window.
func (tl *Timeline) UpdateGcInfo(retainLsns []common.Lsn, cutoff common.Lsn, pitr time.Duration) error {
	pitrCutoff := cutoff
	if pitr > 0 {
		deadline := time.Now().Add(-pitr)
		pitrCutoff = common.InvalidLsn
		tl.mu.Lock()
		for _, l := range tl.layers.frozen {
			if l.createdAt.Before(deadline) && l.end-1 > pitrCutoff {
				pitrCutoff = l.end - 1
			}
		}
		tl.mu.Unlock()
	}

	sorted := append([]common.Lsn(nil), retainLsns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	tl.gcInfoMu.Lock()
	tl.gcInfo = GcInfo{RetainLsns: sorted, HorizonCutoff: cutoff, PitrCutoff: pitrCutoff}
	tl.gcInfoMu.Unlock()
	return nil
}

// Gc reclaims layers wholly below the effective cutoff that are not the
// newest base image and that no branch point at or above their start and
// below that image can still read, then advances the latest GC cutoff LSN.
func (tl *Timeline) Gc() (GcResult, error) {
	var result GcResult
	err := observeStorageTime("gc", tl.tenantID.String(), tl.timelineID.String(), func() error {
		var err error
		result, err = tl.gcInternal()
		return err
	})
	return result, err
}

func (tl *Timeline) gcInternal() (GcResult, error) {
	tl.layerRemovalMu.Lock()
	defer tl.layerRemovalMu.Unlock()

	info := tl.GcInfo()
	newCutoff := common.MinLsn(info.HorizonCutoff, info.PitrCutoff)
	if !newCutoff.IsValid() {
		return GcResult{}, nil
	}
	if cur := tl.LatestGcCutoffLsn(); newCutoff < cur {
		newCutoff = cur
	}

	tl.latestGcCutoffMu.Lock()
	tl.latestGcCutoffLsn = newCutoff
	tl.latestGcCutoffMu.Unlock()

	var result GcResult
	tl.mu.Lock()
	// An image layer at or below the cutoff lets everything older go.
	var newestRetainedImage common.Lsn
	for _, l := range tl.layers.frozen {
		if l.kind == imageLayerKind && l.start <= newCutoff && l.start > newestRetainedImage {
			newestRetainedImage = l.start
		}
	}

	kept := tl.layers.frozen[:0]
	var removed []*storageLayer
	for _, l := range tl.layers.frozen {
		result.LayersTotal++
		switch {
		case l.end > newCutoff:
			result.LayersNeededByCutoff++
			kept = append(kept, l)
		case l.end > info.PitrCutoff && info.PitrCutoff < info.HorizonCutoff:
			result.LayersNeededByPitr++
			kept = append(kept, l)
		// A branch point below the newest retained image is read through
		// the older layers, not through that image.
		case retainsBranchpoint(info.RetainLsns, l.start, common.MaxLsn(l.end, newestRetainedImage)):
			result.LayersNeededByBranches++
			kept = append(kept, l)
		case l.kind == imageLayerKind && l.start == newestRetainedImage:
			result.LayersNotUpdated++
			kept = append(kept, l)
		case !newestRetainedImage.IsValid() || l.end > newestRetainedImage+1:
			// No newer base image exists; the layer is still the only source
			// for reads at the cutoff.
			result.LayersNotUpdated++
			kept = append(kept, l)
		default:
			removed = append(removed, l)
			result.LayersRemoved++
		}
	}
	tl.layers.frozen = append([]*storageLayer(nil), kept...)
	tl.mu.Unlock()

	for _, l := range removed {
		if l.path != "" {
			if err := ignoreNotFound(os.Remove(l.path)); err != nil {
				return result, fmt.Errorf("failed to remove layer file %q: %w", l.path, err)
			}
		}
		tl.log.Info("garbage collected layer", "start", l.start.String(), "end", l.end.String(), "kind", l.kind.String())
	}
	if len(removed) > 0 {
		if err := fsyncDir(tl.conf.TimelinePath(tl.tenantID, tl.timelineID)); err != nil {
			return result, err
		}
	}
	if err := tl.saveCurrentMetadata(); err != nil {
		return result, err
	}
	return result, nil
}

func retainsBranchpoint(retainLsns []common.Lsn, start, end common.Lsn) bool {
	i := sort.Search(len(retainLsns), func(i int) bool { return retainLsns[i] >= start })
	return i < len(retainLsns) && retainLsns[i] < end
}

// checkLsnIsInScope verifies that lsn has not fallen behind the latest GC
// cutoff; branch creation calls this with the cutoff it snapshotted under
// the GC lock.
func (tl *Timeline) checkLsnIsInScope(lsn, latestGcCutoff common.Lsn) error {
	if lsn < latestGcCutoff {
		return &InvalidStartLsnError{Reason: AlreadyGced, Lsn: lsn, Cutoff: latestGcCutoff}
	}
	return nil
}

// WaitLsn blocks until the timeline's last record LSN reaches lsn, the
// context is cancelled, or the configured wait timeout expires.
func (tl *Timeline) WaitLsn(ctx context.Context, lsn common.Lsn) error {
	if !lsn.IsValid() {
		return fmt.Errorf("cannot wait for invalid lsn")
	}
	sub := tl.lastRecordWatch.Subscribe()
	defer sub.Unsubscribe()
	if tl.LastRecordLsn() >= lsn {
		return nil
	}
	timeout := tl.conf.WaitLsnTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cur := <-sub.Chan():
			if cur >= lsn {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf(
				"timed out after %s waiting for WAL record at LSN %s to arrive, last record LSN %s",
				timeout, lsn, tl.LastRecordLsn())
		}
	}
}

// LayerRemovalGuard serializes the caller against compaction and GC; the
// returned release function must be called on every exit path.
func (tl *Timeline) LayerRemovalGuard() func() {
	tl.layerRemovalMu.Lock()
	return tl.layerRemovalMu.Unlock
}
