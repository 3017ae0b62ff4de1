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

// Package pagestore implements a multi-tenant, branchable, log-structured
// page store. A tenant owns a family of timelines sharing a lineage tree;
// each timeline is a versioned key→page store indexed by LSN. The tenant
// serializes mutations of the timeline map and is the policy authority for
// garbage collection, compaction, checkpointing and branch creation.
package pagestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/zenithdb/pagestore/common"
)

// Tenant owns the timeline map of one tenant and coordinates all
// cross-timeline work: creation, branching, deletion, garbage collection,
// compaction and checkpointing.
//
// Two locks only: timelinesMu guards the map itself. It is held for map
// reads and inserts and for the uninit-mark steps that must be atomic with
// them (creating the mark, and the commit that loads the layer map and
// removes the mark), which touch the disk; the attach loop holds it
// throughout. Checkpoint, compaction and GC run without it. gcCS excludes
// branch creation from the planning phase of GC. When both are needed,
// gcCS is acquired first.
type Tenant struct {
	conf     *PageServerConf
	tenantID common.TenantID

	state *watchCell[TenantState]

	tenantConf *confHandle

	timelinesMu sync.Mutex
	timelines   map[common.TimelineID]*Timeline

	// gcCS prevents branch creation from racing with GC planning. Holding
	// timelinesMu for the whole GC iteration would stall every map reader,
	// so GC exclusion gets its own short-duration lock.
	gcCS sync.Mutex

	walRedo      WalRedoManager
	walReceiver  WalReceiverLauncher
	remoteIndex  *RemoteIndex
	uploadLayers bool

	pageCache *lru.Cache
	dirLock   *flock.Flock

	loopsMu    sync.Mutex
	loopsAlive int

	log *slog.Logger
}

// NewTenant constructs a tenant in the Paused state. No disk access
// happens here; call AttachLocalTimelines to load persisted timelines.
func NewTenant(
	conf *PageServerConf,
	tenantConf TenantConfOpt,
	walRedo WalRedoManager,
	tenantID common.TenantID,
	remoteIndex *RemoteIndex,
	uploadLayers bool,
) *Tenant {
	var cache *lru.Cache
	if conf.PageCacheSize > 0 {
		cache, _ = lru.New(conf.PageCacheSize)
	}
	return &Tenant{
		conf:         conf,
		tenantID:     tenantID,
		state:        newWatchCell(TenantStatePaused),
		tenantConf:   newConfHandle(tenantConf, &conf.DefaultTenantConf),
		timelines:    make(map[common.TimelineID]*Timeline),
		walRedo:      walRedo,
		remoteIndex:  remoteIndex,
		uploadLayers: uploadLayers,
		pageCache:    cache,
		log:          slog.With("tenant", tenantID.String()),
	}
}

// TenantID returns the tenant's identifier.
func (t *Tenant) TenantID() common.TenantID { return t.tenantID }

// RemoteIndex returns the shared remote-consistent-LSN index.
func (t *Tenant) RemoteIndex() *RemoteIndex { return t.remoteIndex }

// SetWalReceiverLauncher installs the launcher used for timelines activated
// from now on. Must be called before the tenant is activated.
func (t *Tenant) SetWalReceiverLauncher(l WalReceiverLauncher) { t.walReceiver = l }

// LockTenantDir takes the exclusive advisory lock on the tenant directory.
// The directory is the tenant's exclusive resource; a second process
// attaching the same tenant is refused here.
func (t *Tenant) LockTenantDir() error {
	lock := flock.New(filepath.Join(t.conf.TenantPath(t.tenantID), ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock tenant directory for %s: %w", t.tenantID, err)
	}
	if !locked {
		return fmt.Errorf("tenant directory for %s is locked by another process", t.tenantID)
	}
	t.dirLock = lock
	return nil
}

// Close releases the tenant's process-wide resources: metrics series and
// the directory lock. The timeline map is left as-is.
func (t *Tenant) Close() error {
	removeTenantMetrics(t.tenantID.String())
	if t.dirLock != nil {
		if err := t.dirLock.Unlock(); err != nil {
			return err
		}
		t.dirLock = nil
	}
	return nil
}

// GetTimeline returns the timeline handle for the given ID. With activeOnly
// set, a non-Active timeline is refused.
func (t *Tenant) GetTimeline(timelineID common.TimelineID, activeOnly bool) (*Timeline, error) {
	t.timelinesMu.Lock()
	tl, ok := t.timelines[timelineID]
	t.timelinesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("timeline %s/%s was not found: %w", t.tenantID, timelineID, ErrTimelineNotFound)
	}
	if activeOnly && !tl.IsActive() {
		return nil, fmt.Errorf("timeline %s/%s is in state %s: %w",
			t.tenantID, timelineID, tl.CurrentState(), ErrTimelineNotActive)
	}
	return tl, nil
}

// ListTimelines returns a snapshot of all timeline handles.
func (t *Tenant) ListTimelines() []*Timeline {
	t.timelinesMu.Lock()
	defer t.timelinesMu.Unlock()
	out := make([]*Timeline, 0, len(t.timelines))
	for _, tl := range t.timelines {
		out = append(out, tl)
	}
	return out
}

func (t *Tenant) snapshotTimelines() []*Timeline {
	return t.ListTimelines()
}

// CurrentState returns the tenant's lifecycle state.
func (t *Tenant) CurrentState() TenantState { return t.state.Load() }

// IsActive reports whether the tenant serves requests.
func (t *Tenant) IsActive() bool { return t.CurrentState().IsActive() }

// ShouldRunTasks reports whether the background loops should keep going.
func (t *Tenant) ShouldRunTasks() bool { return t.CurrentState().BackgroundJobsRunning() }

// Activate moves the tenant to Active, optionally with the background GC
// and compaction loops.
func (t *Tenant) Activate(backgroundJobs bool) {
	if backgroundJobs {
		t.SetState(TenantStateActiveBackground)
	} else {
		t.SetState(TenantStateActive)
	}
}

// SetState drives the tenant state machine. Broken is terminal; same-state
// transitions are logged no-ops. Entering an Active state sets every
// non-Broken timeline Active; leaving it suspends them.
func (t *Tenant) SetState(newState TenantState) {
	cur := t.CurrentState()
	switch {
	case cur == newState:
		t.log.Debug("ignoring state update, no change", "state", newState.String())
		return
	case cur == TenantStateBroken:
		t.log.Error("ignoring state update for broken tenant", "requested", newState.String())
		return
	}

	t.state.Store(newState)
	publishTenantState(t.tenantID.String(), newState)

	timelines := t.snapshotTimelines()
	if newState.IsActive() {
		if newState.BackgroundJobsRunning() {
			// The loops shut themselves down when they observe the tenant
			// leaving this state.
			t.startBackgroundLoops()
		}
		for _, tl := range timelines {
			if tl.CurrentState() != TimelineBroken {
				tl.SetState(TimelineActive)
			}
		}
	} else {
		for _, tl := range timelines {
			if tl.CurrentState() != TimelineBroken {
				tl.SetState(TimelineSuspended)
			}
		}
	}
}

// SubscribeStateUpdates lets background workers observe tenant state
// transitions. Receivers may miss intermediate values but always observe
// the final state.
func (t *Tenant) SubscribeStateUpdates() *watchSub[TenantState] {
	return t.state.Subscribe()
}

// UpdateTenantConfig merges new per-tenant overrides into the live config.
func (t *Tenant) UpdateTenantConfig(newConf TenantConfOpt) {
	t.tenantConf.update(&newConf)
}

// TenantConfOverrides returns the current override set, for persisting.
func (t *Tenant) TenantConfOverrides() TenantConfOpt {
	return t.tenantConf.snapshot()
}

// Per-knob getters resolving the tenant override or the server default.

func (t *Tenant) EffectiveCheckpointDistance() uint64 { return t.tenantConf.checkpointDistance() }
func (t *Tenant) EffectiveCheckpointTimeout() time.Duration {
	return t.tenantConf.checkpointTimeout()
}
func (t *Tenant) EffectiveCompactionTargetSize() uint64 {
	return t.tenantConf.compactionTargetSize()
}
func (t *Tenant) EffectiveCompactionPeriod() time.Duration {
	return t.tenantConf.compactionPeriod()
}
func (t *Tenant) EffectiveCompactionThreshold() int { return t.tenantConf.compactionThreshold() }
func (t *Tenant) EffectiveGcHorizon() uint64        { return t.tenantConf.gcHorizon() }
func (t *Tenant) EffectiveGcPeriod() time.Duration  { return t.tenantConf.gcPeriod() }
func (t *Tenant) EffectiveImageCreationThreshold() int {
	return t.tenantConf.imageCreationThreshold()
}
func (t *Tenant) EffectivePitrInterval() time.Duration { return t.tenantConf.pitrInterval() }
func (t *Tenant) EffectiveWalreceiverConnectTimeout() time.Duration {
	return t.tenantConf.walreceiverConnectTimeout()
}
func (t *Tenant) EffectiveLaggingWalTimeout() time.Duration {
	return t.tenantConf.laggingWalTimeout()
}
func (t *Tenant) EffectiveMaxLsnWalLag() uint64 { return t.tenantConf.maxLsnWalLag() }

// checkActive is the shared precondition of every mutating operation: the
// tenant must be Active, and a Broken tenant reports its own error kind.
func (t *Tenant) checkActive(op string) error {
	switch state := t.CurrentState(); {
	case state == TenantStateBroken:
		return fmt.Errorf("cannot %s: %w", op, ErrTenantBroken)
	case !state.IsActive():
		return fmt.Errorf("cannot %s on inactive tenant: %w", op, ErrTenantInactive)
	}
	return nil
}

// CreateEmptyTimeline starts the initial root timeline during
// bootstrapping or base backup import. The caller imports data into the
// returned handle and commits with Initialize.
func (t *Tenant) CreateEmptyTimeline(newTimelineID common.TimelineID, initdbLsn common.Lsn, pgVersion uint32) (*UninitializedTimeline, error) {
	if err := t.checkActive("create empty timelines"); err != nil {
		return nil, err
	}

	t.timelinesMu.Lock()
	mark, err := t.createTimelineUninitMarkLocked(newTimelineID)
	t.timelinesMu.Unlock()
	if err != nil {
		return nil, err
	}

	newMetadata := &TimelineMetadata{
		LatestGcCutoffLsn: initdbLsn,
		InitdbLsn:         initdbLsn,
		PgVersion:         pgVersion,
	}
	return t.prepareTimeline(newTimelineID, newMetadata, mark, true, nil)
}

// CreateTimeline creates a new timeline: a branch when an ancestor is
// given, a bootstrapped root otherwise. A zero newTimelineID generates a
// random one. Branch creation waits for the ancestor's WAL to reach the
// requested start LSN before validating it.
func (t *Tenant) CreateTimeline(
	ctx context.Context,
	newTimelineID common.TimelineID,
	ancestorID common.TimelineID,
	startLsn common.Lsn,
	pgVersion uint32,
) (*Timeline, error) {
	if err := t.checkActive("create timelines"); err != nil {
		return nil, err
	}

	if newTimelineID.IsZero() {
		newTimelineID = common.GenerateTimelineID()
	}
	if _, err := t.GetTimeline(newTimelineID, false); err == nil {
		return nil, fmt.Errorf("timeline %s/%s: %w", t.tenantID, newTimelineID, ErrTimelineAlreadyExists)
	}

	var (
		loaded *Timeline
		err    error
	)
	if !ancestorID.IsZero() {
		var ancestor *Timeline
		ancestor, err = t.GetTimeline(ancestorID, false)
		if err != nil {
			return nil, fmt.Errorf("cannot branch off a timeline that is not present locally: %w", err)
		}
		if startLsn.IsValid() {
			// Wait for the WAL to arrive and be processed on the parent up
			// to the requested branch point: decoding WAL on the child may
			// need to look up page versions below it.
			startLsn = startLsn.Align()
			if err := ancestor.WaitLsn(ctx, startLsn); err != nil {
				return nil, fmt.Errorf("failed to wait for requested branch point on timeline %s: %w", ancestorID, err)
			}
			if ancestorAncestorLsn := ancestor.AncestorLsn(); ancestorAncestorLsn > startLsn {
				return nil, &InvalidStartLsnError{
					Reason: BeforeAncestorLsn,
					Lsn:    startLsn,
					Cutoff: ancestorAncestorLsn,
				}
			}
		}
		loaded, err = t.branchTimeline(ancestorID, newTimelineID, startLsn)
	} else {
		loaded, err = t.bootstrapTimeline(newTimelineID, pgVersion)
	}
	if err != nil {
		return nil, err
	}

	// The tenant has a new timeline; make sure the background tasks run.
	t.Activate(true)
	return loaded, nil
}

// branchTimeline forks dst off src. gcCS is held across the retention
// checks and the commit so that no GC planning pass can shrink the retained
// range under us; per-timeline reclamation may still run concurrently,
// which is safe because it never removes data above the latest GC cutoff
// that we validate against.
func (t *Tenant) branchTimeline(src, dst common.TimelineID, startLsn common.Lsn) (*Timeline, error) {
	t.gcCS.Lock()
	defer t.gcCS.Unlock()

	t.timelinesMu.Lock()
	mark, err := t.createTimelineUninitMarkLocked(dst)
	t.timelinesMu.Unlock()
	if err != nil {
		return nil, err
	}

	srcTimeline, err := t.GetTimeline(src, false)
	if err != nil {
		mark.drop()
		return nil, fmt.Errorf("no ancestor %s found for timeline %s/%s: %w", src, t.tenantID, dst, err)
	}

	latestGcCutoff := srcTimeline.LatestGcCutoffLsn()

	if !startLsn.IsValid() {
		startLsn = srcTimeline.LastRecordLsn()
		t.log.Info("branching at last record LSN", "src", src.String(), "dst", dst.String(), "lsn", startLsn.String())
	}

	// The start LSN must be neither below the latest GC cutoff nor below
	// the planned cutoff of an in-queue GC iteration.
	if err := srcTimeline.checkLsnIsInScope(startLsn, latestGcCutoff); err != nil {
		mark.drop()
		return nil, err
	}
	gcInfo := srcTimeline.GcInfo()
	if planned := common.MinLsn(gcInfo.PitrCutoff, gcInfo.HorizonCutoff); planned.IsValid() && startLsn < planned {
		mark.drop()
		return nil, &InvalidStartLsnError{Reason: WouldBeGced, Lsn: startLsn, Cutoff: planned}
	}

	// The prev-record LSN is only known when branching at the very end of
	// the source timeline.
	recordLsn := srcTimeline.LastRecordRLsn()
	var dstPrev common.Lsn
	if recordLsn.Last == startLsn {
		dstPrev = recordLsn.Prev
	}

	metadata := &TimelineMetadata{
		DiskConsistentLsn: startLsn,
		PrevRecordLsn:     dstPrev,
		AncestorTimeline:  src,
		AncestorLsn:       startLsn,
		LatestGcCutoffLsn: latestGcCutoff,
		InitdbLsn:         srcTimeline.InitdbLsn(),
		PgVersion:         srcTimeline.PgVersion(),
	}
	uninitialized, err := t.prepareTimeline(dst, metadata, mark, false, srcTimeline)
	if err != nil {
		return nil, err
	}
	defer uninitialized.Abort()

	t.timelinesMu.Lock()
	newTimeline, err := uninitialized.initializeLocked(true)
	t.timelinesMu.Unlock()
	if err != nil {
		return nil, err
	}

	t.log.Info("branched timeline", "src", src.String(), "dst", dst.String(), "start_lsn", startLsn.String())
	return newTimeline, nil
}

// prepareTimeline creates the on-disk structure of a timeline (directory
// and metadata) without loading it into the tenant map. The returned handle
// owns the uninit mark until committed.
func (t *Tenant) prepareTimeline(
	newTimelineID common.TimelineID,
	newMetadata *TimelineMetadata,
	mark *uninitMark,
	initLayers bool,
	ancestor *Timeline,
) (*UninitializedTimeline, error) {
	newTimeline, err := t.createTimelineFiles(newTimelineID, newMetadata, ancestor)
	if err != nil {
		t.log.Error("failed to create initial files for timeline, cleaning up",
			"timeline", newTimelineID.String(), "err", err)
		cleanupTimelineDirectory(mark)
		return nil, err
	}
	if initLayers {
		newTimeline.initEmptyLayerMap()
	}
	t.log.Debug("created initial files for timeline", "timeline", newTimelineID.String())
	return &UninitializedTimeline{
		tenant:     t,
		timelineID: newTimelineID,
		raw:        newTimeline,
		mark:       mark,
	}, nil
}

func (t *Tenant) createTimelineFiles(
	newTimelineID common.TimelineID,
	newMetadata *TimelineMetadata,
	ancestor *Timeline,
) (*Timeline, error) {
	newTimeline, err := t.newTimelineData(newTimelineID, newMetadata, ancestor)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeline data structure: %w", err)
	}
	timelinePath := t.conf.TimelinePath(t.tenantID, newTimelineID)
	if err := createDirCrashsafe(timelinePath); err != nil {
		return nil, fmt.Errorf("failed to create timeline directory: %w", err)
	}
	if err := SaveMetadata(t.conf, t.tenantID, newTimelineID, newMetadata); err != nil {
		return nil, fmt.Errorf("failed to create timeline metadata: %w", err)
	}
	return newTimeline, nil
}

func (t *Tenant) newTimelineData(
	newTimelineID common.TimelineID,
	newMetadata *TimelineMetadata,
	ancestor *Timeline,
) (*Timeline, error) {
	if aid := newMetadata.AncestorTimeline; !aid.IsZero() && ancestor == nil {
		return nil, fmt.Errorf("ancestor %s of timeline %s was not found", aid, newTimelineID)
	}
	return newTimeline(
		t.conf, t.tenantConf, newMetadata, ancestor,
		t.tenantID, newTimelineID,
		t.walRedo, t.walReceiver, t.remoteIndex, t.pageCache, t.uploadLayers,
	), nil
}

// createTimelineUninitMarkLocked creates the uninit mark file for a new
// timeline. Fails if the timeline is already in the map, or its directory
// or mark already exist on disk. Caller holds timelinesMu; only the brief
// existence checks and the mark creation happen under it.
func (t *Tenant) createTimelineUninitMarkLocked(timelineID common.TimelineID) (*uninitMark, error) {
	if _, ok := t.timelines[timelineID]; ok {
		return nil, fmt.Errorf("timeline %s/%s already exists in the tenant map: %w",
			t.tenantID, timelineID, ErrTimelineAlreadyExists)
	}
	timelinePath := t.conf.TimelinePath(t.tenantID, timelineID)
	if _, err := os.Stat(timelinePath); err == nil {
		return nil, fmt.Errorf("timeline %s/%s: %w at %q",
			t.tenantID, timelineID, ErrTimelineDirExists, timelinePath)
	}
	markPath := t.conf.UninitMarkPath(t.tenantID, timelineID)
	f, err := os.OpenFile(markPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("uninit mark for timeline %s/%s: %w",
				t.tenantID, timelineID, ErrTimelineDirExists)
		}
		return nil, fmt.Errorf("failed to create uninit mark for timeline %s/%s: %w", t.tenantID, timelineID, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := fsyncFileAndParent(markPath); err != nil {
		return nil, fmt.Errorf("failed to fsync uninit mark: %w", err)
	}
	return newUninitMark(markPath, timelinePath), nil
}

// GcIteration performs one garbage collection iteration: plan under gcCS,
// reclaim per timeline outside it. A zero target means all timelines;
// horizon is the LSN distance to preserve behind each last record;
// checkpointBeforeGc forces a flush first for deterministic tests.
func (t *Tenant) GcIteration(
	target common.TimelineID,
	horizon uint64,
	pitr time.Duration,
	checkpointBeforeGc bool,
) (GcResult, error) {
	if err := t.checkActive("run GC iteration"); err != nil {
		return GcResult{}, err
	}
	timelineLabel := "-"
	if !target.IsZero() {
		timelineLabel = target.String()
	}
	var totals GcResult
	err := observeStorageTime("gc", t.tenantID.String(), timelineLabel, func() error {
		var err error
		totals, err = t.gcIterationInternal(target, horizon, pitr, checkpointBeforeGc)
		return err
	})
	return totals, err
}

// How garbage collection works:
//
//	                 +--bar------------->
//	                /
//	          +----+-----foo---------------->
//	         /
//	----main-+-------------------------->
//	              \
//	               +-----baz-------->
//
// 1. Take gcCS so no new branch can appear mid-plan.
// 2. Scan all timelines and note every branch point; page versions at
//    those LSNs must be retained on the parent.
// 3. Hand each candidate timeline its branch points and cutoffs, then drop
//    gcCS and let the timelines reclaim on their own.
func (t *Tenant) gcIterationInternal(
	target common.TimelineID,
	horizon uint64,
	pitr time.Duration,
	checkpointBeforeGc bool,
) (GcResult, error) {
	var totals GcResult
	started := time.Now()

	t.gcCS.Lock()
	planningDone := false
	defer func() {
		if !planningDone {
			t.gcCS.Unlock()
		}
	}()

	t.timelinesMu.Lock()
	if !target.IsZero() {
		if _, ok := t.timelines[target]; !ok {
			t.timelinesMu.Unlock()
			return totals, fmt.Errorf("gc target timeline %s/%s does not exist: %w", t.tenantID, target, ErrTimelineNotFound)
		}
	}
	snapshot := make([]*Timeline, 0, len(t.timelines))
	for _, tl := range t.timelines {
		snapshot = append(snapshot, tl)
	}
	t.timelinesMu.Unlock()

	type branchpoint struct {
		ancestor common.TimelineID
		lsn      common.Lsn
	}
	var branchpoints []branchpoint
	for _, tl := range snapshot {
		if !tl.IsActive() {
			continue
		}
		ancestorID := tl.AncestorTimelineID()
		if ancestorID.IsZero() {
			continue
		}
		// With a target set only its children matter.
		if target.IsZero() || ancestorID == target {
			branchpoints = append(branchpoints, branchpoint{ancestor: ancestorID, lsn: tl.AncestorLsn()})
		}
	}

	var gcTimelines []*Timeline
	for _, tl := range snapshot {
		if !tl.IsActive() {
			continue
		}
		if !target.IsZero() && tl.ID() != target {
			continue
		}
		cutoff, ok := tl.LastRecordLsn().CheckedSub(horizon)
		if !ok {
			continue
		}
		var retain []common.Lsn
		for _, bp := range branchpoints {
			if bp.ancestor == tl.ID() {
				retain = append(retain, bp.lsn)
			}
		}
		if err := tl.UpdateGcInfo(retain, cutoff, pitr); err != nil {
			return totals, err
		}
		gcTimelines = append(gcTimelines, tl)
	}
	t.gcCS.Unlock()
	planningDone = true

	// Reclamation runs outside gcCS: it can be long and I/O bound, and it
	// must not delay branch creation. Branch creation re-validates against
	// latest_gc_cutoff_lsn, which reclamation never overtakes.
	for _, tl := range gcTimelines {
		if ShutdownRequested() {
			// Return with the progress made so far.
			break
		}
		if checkpointBeforeGc {
			if err := tl.Checkpoint(CheckpointForced); err != nil {
				return totals, err
			}
			t.log.Info("checkpoint before gc done", "timeline", tl.ID().String())
		}
		result, err := tl.Gc()
		if err != nil {
			return totals, err
		}
		totals.Add(result)
	}
	totals.Elapsed = time.Since(started)
	return totals, nil
}

// CompactionIteration runs one compaction pass over every active timeline.
// The map lock is dropped before any per-timeline work; the first error
// aborts the fan-out (the caller is a periodic loop that retries).
func (t *Tenant) CompactionIteration() error {
	if err := t.checkActive("run compaction iteration"); err != nil {
		return err
	}

	for _, tl := range t.snapshotTimelines() {
		if ShutdownRequested() {
			return fmt.Errorf("compaction iteration interrupted: %w", ErrShutdown)
		}
		if !tl.IsActive() {
			continue
		}
		if err := tl.Compact(); err != nil {
			return fmt.Errorf("failed to compact timeline %s/%s: %w", t.tenantID, tl.ID(), err)
		}
	}
	return nil
}

// Checkpoint flushes the in-memory data of every timeline to disk, used at
// graceful shutdown.
func (t *Tenant) Checkpoint() error {
	if err := t.checkActive("checkpoint"); err != nil {
		return err
	}
	for _, tl := range t.snapshotTimelines() {
		if err := tl.Checkpoint(CheckpointFlush); err != nil {
			return fmt.Errorf("failed to checkpoint timeline %s/%s: %w", t.tenantID, tl.ID(), err)
		}
	}
	return nil
}

// DeleteTimeline removes a timeline that no other timeline branches off.
// The operation is idempotent so a failed attempt can be retried: the
// layer-removal guard is taken before the map lock is released, the
// directory removal tolerates partial prior progress, and the map entry
// goes last.
func (t *Tenant) DeleteTimeline(timelineID common.TimelineID) error {
	t.timelinesMu.Lock()
	for _, tl := range t.timelines {
		if tl.ancestorID == timelineID {
			t.timelinesMu.Unlock()
			return fmt.Errorf("cannot delete timeline %s/%s: %w", t.tenantID, timelineID, ErrHasChildren)
		}
	}
	tl, ok := t.timelines[timelineID]
	if !ok {
		t.timelinesMu.Unlock()
		return fmt.Errorf("timeline %s/%s: %w", t.tenantID, timelineID, ErrTimelineNotFound)
	}
	tl.SetState(TimelinePaused)
	release := tl.LayerRemovalGuard()
	t.timelinesMu.Unlock()

	localTimelineDir := t.conf.TimelinePath(t.tenantID, timelineID)
	if err := os.RemoveAll(localTimelineDir); err != nil {
		release()
		return fmt.Errorf("failed to remove local timeline directory %q: %w", localTimelineDir, err)
	}
	if err := fsyncDir(t.conf.TimelinesPath(t.tenantID)); err != nil {
		release()
		return err
	}
	t.log.Info("deleted timeline files", "timeline", timelineID.String())
	release()

	t.timelinesMu.Lock()
	delete(t.timelines, timelineID)
	t.timelinesMu.Unlock()
	t.remoteIndex.Forget(timelineID)
	return nil
}

// AttachLocalTimelines scans the tenant's timelines directory, finishes
// crash recovery (temp dirs and uninit-marked timelines are removed, the
// directory always before its mark), and attaches every surviving timeline
// in lineage order.
func (t *Tenant) AttachLocalTimelines() error {
	timelinesDir := t.conf.TimelinesPath(t.tenantID)
	entries, err := os.ReadDir(timelinesDir)
	if err != nil {
		return fmt.Errorf("failed to list timelines dir %q: %w", timelinesDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, TempFileSuffix):
			t.log.Info("removing leftover temporary file", "name", name)
			if err := removeAllIgnoreAbsent(filepath.Join(timelinesDir, name)); err != nil {
				return err
			}
		case strings.HasSuffix(name, UninitMarkSuffix):
			// A surviving mark means the timeline was never committed. The
			// directory goes first so a crash mid-cleanup is re-recoverable.
			timelineName := strings.TrimSuffix(name, UninitMarkSuffix)
			t.log.Warn("removing uninit-marked timeline", "timeline", timelineName)
			if err := removeAllIgnoreAbsent(filepath.Join(timelinesDir, timelineName)); err != nil {
				return err
			}
			if err := removeAllIgnoreAbsent(filepath.Join(timelinesDir, name)); err != nil {
				return err
			}
			if err := fsyncDir(timelinesDir); err != nil {
				return err
			}
		}
	}

	entries, err = os.ReadDir(timelinesDir)
	if err != nil {
		return fmt.Errorf("failed to list timelines dir %q: %w", timelinesDir, err)
	}
	timelinesToLoad := make(map[common.TimelineID]*TimelineMetadata)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		timelineID, err := common.ParseTimelineID(name)
		if err != nil {
			t.log.Warn("skipping unrecognized entry in timelines dir", "name", name)
			continue
		}
		metadata, err := LoadMetadata(t.conf, t.tenantID, timelineID)
		if err != nil {
			return fmt.Errorf("failed to load metadata for timeline %s: %w", timelineID, err)
		}
		timelinesToLoad[timelineID] = metadata
	}
	return t.initAttachTimelines(timelinesToLoad)
}

// initAttachTimelines materializes the given timelines in lineage order so
// every ancestor handle exists before its children are constructed. A
// timeline whose layer map fails to load is attached as Broken rather than
// failing the whole attach; operators can inspect it in place.
func (t *Tenant) initAttachTimelines(timelines map[common.TimelineID]*TimelineMetadata) error {
	if len(timelines) == 0 {
		t.log.Warn("no timelines to attach")
		return nil
	}
	sorted, err := treeSortTimelines(timelines)
	if err != nil {
		return err
	}

	t.timelinesMu.Lock()
	defer t.timelinesMu.Unlock()
	for _, st := range sorted {
		t.log.Info("attaching timeline", "timeline", st.id.String(), "pg_version", st.metadata.PgVersion)
		if _, ok := t.timelines[st.id]; ok {
			t.log.Warn("timeline already exists in the tenant map, skipping", "timeline", st.id.String())
			continue
		}
		var ancestor *Timeline
		if aid := st.metadata.AncestorTimeline; !aid.IsZero() {
			ancestor = t.timelines[aid]
		}
		raw, err := t.newTimelineData(st.id, st.metadata, ancestor)
		if err != nil {
			return fmt.Errorf("failed to create timeline data for %s/%s: %w", t.tenantID, st.id, err)
		}
		uninitialized := &UninitializedTimeline{
			tenant:     t,
			timelineID: st.id,
			raw:        raw,
			mark:       dummyUninitMark(),
		}
		if _, err := uninitialized.initializeLocked(true); err != nil {
			t.log.Error("failed to initialize timeline, attaching as broken",
				"timeline", st.id.String(), "err", err)
			broken, berr := t.newTimelineData(st.id, st.metadata, ancestor)
			if berr != nil {
				return fmt.Errorf("failed to create broken timeline data for %s/%s: %w", t.tenantID, st.id, berr)
			}
			broken.SetState(TimelineBroken)
			t.timelines[st.id] = broken
		}
	}
	return nil
}
