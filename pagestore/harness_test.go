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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithdb/pagestore/common"
)

const testPgVersion = 14

var (
	testTimelineID    = mustTimelineID("11223344556677881122334455667788")
	newTestTimelineID = mustTimelineID("aa223344556677881122334455667788")
	testKey           = mustKey("112222222233333333444444445500000001")
)

func mustTimelineID(s string) common.TimelineID {
	id, err := common.ParseTimelineID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func mustKey(s string) common.Key {
	k, err := common.ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// testImage builds a 64-byte page image with the given string as content.
func testImage(s string) []byte {
	buf := make([]byte, 64)
	copy(buf, s)
	return buf
}

// testValue builds an unpadded page image.
func testValue(s string) Value {
	return ImageValue([]byte(s))
}

// testRedoManager renders a deterministic image describing the redo request
// instead of replaying real WAL.
type testRedoManager struct{}

func (m *testRedoManager) RequestRedo(key common.Key, lsn common.Lsn, baseImage []byte, records []WalRecord, pgVersion uint32) ([]byte, error) {
	base := "no base image"
	if baseImage != nil {
		base = "base image"
	}
	return testImage(fmt.Sprintf("redo for %s to get to %s, with %s and %d records", key, lsn, base, len(records))), nil
}

// tenantHarness sets up an on-disk repository for one test tenant. load may
// be called several times against the same directory to simulate restarts.
type tenantHarness struct {
	t          *testing.T
	conf       *PageServerConf
	tenantConf TenantConf
	tenantID   common.TenantID
}

func newTenantHarness(t *testing.T) *tenantHarness {
	t.Helper()
	conf := DefaultPageServerConf(t.TempDir())
	conf.WaitLsnTimeout = 100 * time.Millisecond
	tenantID := common.GenerateTenantID()
	require.NoError(t, os.MkdirAll(conf.TimelinesPath(tenantID), 0o755))
	return &tenantHarness{
		t:          t,
		conf:       conf,
		tenantConf: DefaultTenantConf(),
		tenantID:   tenantID,
	}
}

func (h *tenantHarness) load() *Tenant {
	h.t.Helper()
	tenant, err := h.tryLoad()
	require.NoError(h.t, err, "failed to load test tenant")
	return tenant
}

func (h *tenantHarness) tryLoad() (*Tenant, error) {
	tenant := NewTenant(h.conf, FromTenantConf(h.tenantConf), &testRedoManager{}, h.tenantID, NewRemoteIndex(), false)
	if err := tenant.AttachLocalTimelines(); err != nil {
		return nil, err
	}
	tenant.SetState(TenantStateActive)
	return tenant, nil
}

func (h *tenantHarness) timelinePath(timelineID common.TimelineID) string {
	return h.conf.TimelinePath(h.tenantID, timelineID)
}

// createInitializedTimeline creates and commits an empty timeline.
func createInitializedTimeline(t *testing.T, tenant *Tenant, timelineID common.TimelineID, initdbLsn common.Lsn) *Timeline {
	t.Helper()
	uninitialized, err := tenant.CreateEmptyTimeline(timelineID, initdbLsn, testPgVersion)
	require.NoError(t, err)
	defer uninitialized.Abort()
	tl, err := uninitialized.Initialize()
	require.NoError(t, err)
	return tl
}

// makeSomeLayers writes four versions of testKey starting at startLsn, with
// a forced checkpoint in the middle and at the end, leaving two frozen
// delta layers behind.
func makeSomeLayers(t *testing.T, tl *Timeline, startLsn common.Lsn) {
	t.Helper()
	lsn := startLsn
	writer := tl.Writer()
	for i := 0; i < 2; i++ {
		require.NoError(t, writer.Put(testKey, lsn, ImageValue(testImage(fmt.Sprintf("foo at %s", lsn)))))
		writer.FinishWrite(lsn)
		lsn += 0x10
	}
	writer.Close()
	require.NoError(t, tl.Checkpoint(CheckpointForced))

	writer = tl.Writer()
	for i := 0; i < 2; i++ {
		require.NoError(t, writer.Put(testKey, lsn, ImageValue(testImage(fmt.Sprintf("foo at %s", lsn)))))
		writer.FinishWrite(lsn)
		lsn += 0x10
	}
	writer.Close()
	require.NoError(t, tl.Checkpoint(CheckpointForced))
}
