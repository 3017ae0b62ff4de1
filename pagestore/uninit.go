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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zenithdb/pagestore/common"
)

// uninitMark is the on-disk sentinel that makes timeline creation atomic
// across crashes. It is created as a sibling of the timeline directory,
// before the directory, so that recovery can always remove the directory
// first and the mark last.
type uninitMark struct {
	deleted      bool
	markPath     string
	timelinePath string
}

func newUninitMark(markPath, timelinePath string) *uninitMark {
	return &uninitMark{markPath: markPath, timelinePath: timelinePath}
}

// dummyUninitMark stands in for timelines that already exist on disk and
// are being re-attached after a restart.
func dummyUninitMark() *uninitMark {
	return &uninitMark{deleted: true}
}

// remove deletes the mark file and fsyncs its parent. Absence is fine.
func (m *uninitMark) remove() error {
	if m.deleted {
		return nil
	}
	if err := ignoreNotFound(os.Remove(m.markPath)); err != nil {
		return fmt.Errorf("failed to remove uninit mark %q: %w", m.markPath, err)
	}
	if err := fsyncDir(filepath.Dir(m.markPath)); err != nil {
		return fmt.Errorf("failed to fsync uninit mark parent: %w", err)
	}
	m.deleted = true
	return nil
}

// drop is the abandon path: if the timeline directory still exists the mark
// is left behind to signal cleanup on restart; if the directory is already
// gone the mark is removed to unblock later creation attempts.
func (m *uninitMark) drop() {
	if m.deleted {
		return
	}
	if _, err := os.Stat(m.timelinePath); err == nil {
		slog.Error("uninit mark not removed, timeline stays uninitialized",
			"mark", m.markPath, "timeline_path", m.timelinePath)
		return
	}
	slog.Warn("removing intermediate uninit mark file", "mark", m.markPath)
	if err := m.remove(); err != nil {
		slog.Error("failed to remove uninit mark file", "err", err)
	}
}

// UninitializedTimeline owns a partially-constructed timeline and its
// uninit mark. Exactly one of Initialize or Abort must be reached; Abort
// after a successful Initialize is a no-op, so callers defer it.
type UninitializedTimeline struct {
	tenant     *Tenant
	timelineID common.TimelineID
	raw        *Timeline
	mark       *uninitMark
}

// Initialize loads the timeline's layer map, removes the uninit mark and
// publishes the timeline in the tenant map.
func (u *UninitializedTimeline) Initialize() (*Timeline, error) {
	u.tenant.timelinesMu.Lock()
	defer u.tenant.timelinesMu.Unlock()
	return u.initializeLocked(true)
}

// initializeLocked commits the timeline under the caller-held timelines
// lock. With loadLayerMap unset the in-memory layer map is trusted as-is
// (bootstrap imports data before committing).
func (u *UninitializedTimeline) initializeLocked(loadLayerMap bool) (*Timeline, error) {
	if u.raw == nil {
		return nil, fmt.Errorf("no timeline found for initialization of %s/%s", u.tenant.tenantID, u.timelineID)
	}
	if _, ok := u.tenant.timelines[u.timelineID]; ok {
		return nil, fmt.Errorf("found freshly initialized timeline %s/%s in the tenant map: %w",
			u.tenant.tenantID, u.timelineID, ErrTimelineAlreadyExists)
	}

	tl, mark := u.raw, u.mark
	if loadLayerMap {
		if err := tl.LoadLayerMap(tl.DiskConsistentLsn()); err != nil {
			return nil, fmt.Errorf("failed to load layer map for timeline %s/%s: %w",
				u.tenant.tenantID, u.timelineID, err)
		}
	}
	if err := mark.remove(); err != nil {
		return nil, fmt.Errorf("failed to remove uninit mark for timeline %s/%s: %w",
			u.tenant.tenantID, u.timelineID, err)
	}
	tl.SetState(TimelineActive)
	u.tenant.timelines[u.timelineID] = tl
	tl.LaunchWalReceiver()
	u.raw = nil
	return tl, nil
}

// RawTimeline exposes the uncommitted timeline for data import.
func (u *UninitializedTimeline) RawTimeline() (*Timeline, error) {
	if u.raw == nil {
		return nil, fmt.Errorf("no raw timeline %s/%s found", u.tenant.tenantID, u.timelineID)
	}
	return u.raw, nil
}

// Abort cleans up after a failed creation: the timeline directory is
// removed (absence tolerated) and the mark disposed of accordingly. Called
// on every non-committed exit path.
func (u *UninitializedTimeline) Abort() {
	if u.raw == nil {
		return
	}
	slog.Error("timeline got dropped without initializing, cleaning its files",
		"tenant", u.tenant.tenantID.String(), "timeline", u.timelineID.String())
	cleanupTimelineDirectory(u.mark)
	u.raw = nil
}

// cleanupTimelineDirectory removes the uncommitted timeline directory, then
// lets the mark dispose of itself. If the directory removal fails, the mark
// stays behind for crash recovery to retry.
func cleanupTimelineDirectory(mark *uninitMark) {
	if err := removeAllIgnoreAbsent(mark.timelinePath); err != nil {
		slog.Error("failed to clean up uninitialized timeline directory",
			"timeline_path", mark.timelinePath, "err", err)
		return
	}
	slog.Info("timeline dir removed, removing the uninit mark", "timeline_path", mark.timelinePath)
	mark.drop()
}
