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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithdb/pagestore/common"
)

func TestBasic(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	writer := tl.Writer()
	require.NoError(t, writer.Put(testKey, 0x10, ImageValue(testImage("foo at 0x10"))))
	writer.FinishWrite(0x10)
	require.NoError(t, writer.Put(testKey, 0x20, ImageValue(testImage("foo at 0x20"))))
	writer.FinishWrite(0x20)
	writer.Close()

	for _, tc := range []struct {
		lsn  common.Lsn
		want string
	}{
		{0x10, "foo at 0x10"},
		{0x1f, "foo at 0x10"},
		{0x20, "foo at 0x20"},
	} {
		got, err := tl.Get(testKey, tc.lsn)
		require.NoError(t, err)
		require.Equal(t, testImage(tc.want), got, "get at %s", tc.lsn)
	}
}

func TestNoDuplicateTimelines(t *testing.T) {
	harness := newTenantHarness(t)
	tenant := harness.load()
	createInitializedTimeline(t, tenant, testTimelineID, 0)

	_, err := tenant.CreateEmptyTimeline(testTimelineID, 0, testPgVersion)
	require.ErrorIs(t, err, ErrTimelineAlreadyExists)

	// The failed attempt must not leave a stray uninit mark behind, and the
	// original directory must be intact.
	_, statErr := os.Stat(harness.conf.UninitMarkPath(harness.tenantID, testTimelineID))
	require.True(t, os.IsNotExist(statErr), "stray uninit mark left behind")
	_, statErr = os.Stat(filepath.Join(harness.timelinePath(testTimelineID), MetadataFileName))
	require.NoError(t, statErr)
}

func TestBranch(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	keyA := mustKey("112222222233333333444444445500000001")
	keyB := mustKey("112222222233333333444444445500000002")

	writer := tl.Writer()
	require.NoError(t, writer.Put(keyA, 0x20, testValue("foo at 0x20")))
	require.NoError(t, writer.Put(keyB, 0x20, testValue("foobar at 0x20")))
	writer.FinishWrite(0x20)
	require.NoError(t, writer.Put(keyA, 0x30, testValue("foo at 0x30")))
	writer.FinishWrite(0x30)
	require.NoError(t, writer.Put(keyA, 0x40, testValue("foo at 0x40")))
	writer.FinishWrite(0x40)
	writer.Close()

	_, err := tenant.CreateTimeline(context.Background(), newTestTimelineID, testTimelineID, 0x30, testPgVersion)
	require.NoError(t, err)
	newTl, err := tenant.GetTimeline(newTestTimelineID, true)
	require.NoError(t, err)

	newWriter := newTl.Writer()
	require.NoError(t, newWriter.Put(keyA, 0x40, testValue("bar at 0x40")))
	newWriter.FinishWrite(0x40)
	newWriter.Close()

	got, err := tl.Get(keyA, 0x40)
	require.NoError(t, err)
	require.Equal(t, "foo at 0x40", string(got))

	got, err = newTl.Get(keyA, 0x40)
	require.NoError(t, err)
	require.Equal(t, "bar at 0x40", string(got))

	got, err = newTl.Get(keyB, 0x40)
	require.NoError(t, err)
	require.Equal(t, "foobar at 0x20", string(got))
}

func TestProhibitBranchCreationOnGarbageCollectedData(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	makeSomeLayers(t, tl, 0x20)

	// Sets the cutoff to 0x40 (0x50 minus the 0x10 horizon); whether layers
	// are physically reclaimed is up to the timeline.
	_, err := tenant.GcIteration(testTimelineID, 0x10, 0, false)
	require.NoError(t, err)

	// Branching at 0x25 must fail: that range may already be gone.
	_, err = tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x25)
	var startLsnErr *InvalidStartLsnError
	require.ErrorAs(t, err, &startLsnErr)
	require.Equal(t, AlreadyGced, startLsnErr.Reason)
	require.Contains(t, err.Error(), "invalid branch start lsn")
	require.Contains(t, err.Error(), "garbage collected")

	// The rejected attempt leaves nothing behind.
	_, statErr := os.Stat(tenant.conf.UninitMarkPath(tenant.tenantID, newTestTimelineID))
	require.True(t, os.IsNotExist(statErr))
}

func TestProhibitBranchCreationOnPreInitdbLsn(t *testing.T) {
	tenant := newTenantHarness(t).load()
	createInitializedTimeline(t, tenant, testTimelineID, 0x50)

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x25)
	var startLsnErr *InvalidStartLsnError
	require.ErrorAs(t, err, &startLsnErr)
	require.Equal(t, AlreadyGced, startLsnErr.Reason)
	require.Contains(t, err.Error(), "invalid branch start lsn")
	require.Contains(t, err.Error(), "earlier than latest GC horizon")
}

func TestRetainDataInParentWhichIsNeededForChild(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	makeSomeLayers(t, tl, 0x20)

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x40)
	require.NoError(t, err)
	newTl, err := tenant.GetTimeline(newTestTimelineID, true)
	require.NoError(t, err)

	_, err = tenant.GcIteration(testTimelineID, 0x10, 0, false)
	require.NoError(t, err)

	_, err = newTl.Get(testKey, 0x25)
	require.NoError(t, err, "child read at its branch-point range must survive parent GC")
}

func TestParentKeepsDataForeverAfterBranching(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	makeSomeLayers(t, tl, 0x20)

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x40)
	require.NoError(t, err)
	newTl, err := tenant.GetTimeline(newTestTimelineID, true)
	require.NoError(t, err)

	makeSomeLayers(t, newTl, 0x60)

	_, err = tenant.GcIteration(testTimelineID, 0x10, 0, false)
	require.NoError(t, err)

	got, err := newTl.Get(testKey, 0x50)
	require.NoError(t, err)
	require.Equal(t, testImage(fmt.Sprintf("foo at %s", common.Lsn(0x40))), got)
}

func TestTimelineLoad(t *testing.T) {
	harness := newTenantHarness(t)
	{
		tenant := harness.load()
		tl := createInitializedTimeline(t, tenant, testTimelineID, 0x8000)
		makeSomeLayers(t, tl, 0x8000)
		require.NoError(t, tl.Checkpoint(CheckpointForced))
	}

	tenant := harness.load()
	_, err := tenant.GetTimeline(testTimelineID, true)
	require.NoError(t, err, "cannot load timeline after restart")
}

func TestTimelineLoadWithAncestor(t *testing.T) {
	harness := newTenantHarness(t)
	{
		tenant := harness.load()
		tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
		makeSomeLayers(t, tl, 0x20)

		_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x40)
		require.NoError(t, err)
		newTl, err := tenant.GetTimeline(newTestTimelineID, true)
		require.NoError(t, err)
		makeSomeLayers(t, newTl, 0x60)
	}

	tenant := harness.load()

	child, err := tenant.GetTimeline(newTestTimelineID, true)
	require.NoError(t, err, "cannot get child timeline loaded")
	ancestor, err := tenant.GetTimeline(testTimelineID, true)
	require.NoError(t, err, "cannot get ancestor timeline loaded")

	// Parents are materialized before children: the child's ancestor handle
	// must be the loaded parent.
	require.Equal(t, testTimelineID, child.AncestorTimelineID())
	require.Same(t, ancestor, child.ancestor)
	require.Equal(t, common.Lsn(0x40), child.AncestorLsn())

	// Reads through the lineage still work after the restart.
	got, err := child.Get(testKey, 0x25)
	require.NoError(t, err)
	require.Equal(t, testImage(fmt.Sprintf("foo at %s", common.Lsn(0x20))), got)
}

func TestCorruptMetadata(t *testing.T) {
	harness := newTenantHarness(t)
	tenant := harness.load()
	createInitializedTimeline(t, tenant, testTimelineID, 0)

	metadataPath := filepath.Join(harness.timelinePath(testTimelineID), MetadataFileName)
	data, err := os.ReadFile(metadataPath)
	require.NoError(t, err)
	require.Len(t, data, MetadataSize)
	data[8] ^= 1
	require.NoError(t, os.WriteFile(metadataPath, data, 0o644))

	_, err = harness.tryLoad()
	require.Error(t, err, "loading a tenant with corrupt metadata should fail")
	require.ErrorIs(t, err, ErrMetadataChecksum)
}

func TestDeleteTimeline(t *testing.T) {
	harness := newTenantHarness(t)
	tenant := harness.load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	makeSomeLayers(t, tl, 0x20)

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x40)
	require.NoError(t, err)

	// A parent with children cannot go, and nothing on disk changes.
	err = tenant.DeleteTimeline(testTimelineID)
	require.ErrorIs(t, err, ErrHasChildren)
	_, statErr := os.Stat(harness.timelinePath(testTimelineID))
	require.NoError(t, statErr)

	require.NoError(t, tenant.DeleteTimeline(newTestTimelineID))
	require.NoError(t, tenant.DeleteTimeline(testTimelineID))

	_, statErr = os.Stat(harness.timelinePath(testTimelineID))
	require.True(t, os.IsNotExist(statErr))
	_, err = tenant.GetTimeline(testTimelineID, false)
	require.ErrorIs(t, err, ErrTimelineNotFound)

	// Repeating the delete reports not-found rather than corrupting state.
	err = tenant.DeleteTimeline(testTimelineID)
	require.ErrorIs(t, err, ErrTimelineNotFound)
}

func TestCrashSafeCreationCleanup(t *testing.T) {
	harness := newTenantHarness(t)
	{
		tenant := harness.load()
		tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
		makeSomeLayers(t, tl, 0x20)
	}

	// Simulate a crash in the middle of creating another timeline: the
	// uninit mark exists, the directory is half-built, no metadata yet.
	timelinesDir := harness.conf.TimelinesPath(harness.tenantID)
	markPath := harness.conf.UninitMarkPath(harness.tenantID, newTestTimelineID)
	require.NoError(t, os.WriteFile(markPath, nil, 0o644))
	dirPath := harness.timelinePath(newTestTimelineID)
	require.NoError(t, os.Mkdir(dirPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "half-written"), []byte("x"), 0o644))
	// Plus a leftover initdb workspace.
	tempDir := filepath.Join(timelinesDir, "basebackup-"+newTestTimelineID.String()+TempFileSuffix)
	require.NoError(t, os.Mkdir(tempDir, 0o755))

	tenant, err := harness.tryLoad()
	require.NoError(t, err, "restart must recover from a partial creation")

	for _, path := range []string{markPath, dirPath, tempDir} {
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr), "leftover %q survived restart", path)
	}
	_, err = tenant.GetTimeline(testTimelineID, true)
	require.NoError(t, err)
	_, err = tenant.GetTimeline(newTestTimelineID, false)
	require.ErrorIs(t, err, ErrTimelineNotFound)

	// A bare mark with no directory is cleaned up the same way.
	require.NoError(t, os.WriteFile(markPath, nil, 0o644))
	_, err = harness.tryLoad()
	require.NoError(t, err)
	_, statErr := os.Stat(markPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestBrokenTenantRejectsTransitions(t *testing.T) {
	tenant := newTenantHarness(t).load()
	createInitializedTimeline(t, tenant, testTimelineID, 0)

	tenant.SetState(TenantStateBroken)
	require.Equal(t, TenantStateBroken, tenant.CurrentState())

	// Broken is terminal.
	tenant.SetState(TenantStateActive)
	require.Equal(t, TenantStateBroken, tenant.CurrentState())
	tenant.SetState(TenantStatePaused)
	require.Equal(t, TenantStateBroken, tenant.CurrentState())

	_, err := tenant.CreateEmptyTimeline(newTestTimelineID, 0, testPgVersion)
	require.ErrorIs(t, err, ErrTenantBroken)
	_, err = tenant.GcIteration(common.TimelineID{}, 0x10, 0, false)
	require.ErrorIs(t, err, ErrTenantBroken)
	require.ErrorIs(t, tenant.CompactionIteration(), ErrTenantBroken)
}

func TestPausedTenantRejectsMutations(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	tenant.SetState(TenantStatePaused)

	_, err := tenant.CreateEmptyTimeline(newTestTimelineID, 0, testPgVersion)
	require.ErrorIs(t, err, ErrTenantInactive)
	require.ErrorIs(t, tenant.CompactionIteration(), ErrTenantInactive)
	require.ErrorIs(t, tenant.Checkpoint(), ErrTenantInactive)

	// The suspended timeline is refused when the caller asks for an active
	// one, but the handle stays reachable.
	_, err = tenant.GetTimeline(testTimelineID, true)
	require.ErrorIs(t, err, ErrTimelineNotActive)
	got, err := tenant.GetTimeline(testTimelineID, false)
	require.NoError(t, err)
	require.Same(t, tl, got)
}

func TestTenantStateWatch(t *testing.T) {
	tenant := newTenantHarness(t).load()

	sub := tenant.SubscribeStateUpdates()
	defer sub.Unsubscribe()

	tenant.SetState(TenantStatePaused)
	tenant.Activate(false)

	// Intermediate values may be conflated away, but the final state is
	// always observed.
	deadline := time.After(time.Second)
	for {
		select {
		case state := <-sub.Chan():
			if state == TenantStateActive {
				return
			}
		case <-deadline:
			t.Fatal("did not observe final tenant state")
		}
	}
}

func TestTimelineStatesFollowTenant(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	require.True(t, tl.IsActive())

	tenant.SetState(TenantStatePaused)
	require.Equal(t, TimelineSuspended, tl.CurrentState())

	tenant.SetState(TenantStateActive)
	require.Equal(t, TimelineActive, tl.CurrentState())
}

func TestCreateTimelineRejectsDuplicateID(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	writer := tl.Writer()
	require.NoError(t, writer.Put(testKey, 0x20, testValue("foo at 0x20")))
	writer.FinishWrite(0x20)
	writer.Close()

	_, err := tenant.CreateTimeline(context.Background(), testTimelineID, common.TimelineID{}, 0, testPgVersion)
	require.ErrorIs(t, err, ErrTimelineAlreadyExists)
}

func TestBranchBelowAncestorLsnRejected(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	writer := tl.Writer()
	require.NoError(t, writer.Put(testKey, 0x40, testValue("foo at 0x40")))
	writer.FinishWrite(0x40)
	writer.Close()

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x40)
	require.NoError(t, err)

	// Branching off the child below its own branch point is rejected.
	grandchild := mustTimelineID("bb223344556677881122334455667788")
	_, err = tenant.CreateTimeline(context.Background(), grandchild, newTestTimelineID, 0x20, testPgVersion)
	var startLsnErr *InvalidStartLsnError
	require.ErrorAs(t, err, &startLsnErr)
	require.Equal(t, BeforeAncestorLsn, startLsnErr.Reason)
}

func TestGcTargetMustExist(t *testing.T) {
	tenant := newTenantHarness(t).load()
	createInitializedTimeline(t, tenant, testTimelineID, 0)

	_, err := tenant.GcIteration(newTestTimelineID, 0x10, 0, false)
	require.ErrorIs(t, err, ErrTimelineNotFound)
}

func TestTenantDirLock(t *testing.T) {
	harness := newTenantHarness(t)
	tenant := harness.load()
	require.NoError(t, tenant.LockTenantDir())
	defer tenant.Close()

	other := NewTenant(harness.conf, TenantConfOpt{}, &testRedoManager{}, harness.tenantID, NewRemoteIndex(), false)
	require.Error(t, other.LockTenantDir(), "second lock on the same tenant dir must fail")

	require.NoError(t, tenant.Close())
	require.NoError(t, other.LockTenantDir())
	require.NoError(t, other.Close())
}

func TestTenantCheckpointFlushesAllTimelines(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)

	writer := tl.Writer()
	require.NoError(t, writer.Put(testKey, 0x10, testValue("pending")))
	writer.FinishWrite(0x10)
	writer.Close()

	_, err := tenant.branchTimeline(testTimelineID, newTestTimelineID, 0x10)
	require.NoError(t, err)
	newTl, err := tenant.GetTimeline(newTestTimelineID, true)
	require.NoError(t, err)
	newWriter := newTl.Writer()
	require.NoError(t, newWriter.Put(testKey, 0x20, testValue("pending too")))
	newWriter.FinishWrite(0x20)
	newWriter.Close()

	require.NoError(t, tenant.Checkpoint())
	require.Equal(t, common.Lsn(0x10), tl.DiskConsistentLsn())
	require.Equal(t, common.Lsn(0x20), newTl.DiskConsistentLsn())
}

func TestGcResultAccumulates(t *testing.T) {
	tenant := newTenantHarness(t).load()
	tl := createInitializedTimeline(t, tenant, testTimelineID, 0)
	makeSomeLayers(t, tl, 0x20)

	result, err := tenant.GcIteration(common.TimelineID{}, 0x10, 0, false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.LayersTotal)
	require.NotZero(t, result.Elapsed)
}
