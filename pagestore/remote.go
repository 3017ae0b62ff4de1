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
	"sync"

	"github.com/zenithdb/pagestore/common"
)

// RemoteIndex tracks, per timeline, the highest LSN known to be durable in
// remote storage. The upload pipeline maintains it; WAL receivers read it to
// decide how far behind a timeline may safely trail.
type RemoteIndex struct {
	mu      sync.RWMutex
	entries map[common.TimelineID]common.Lsn
}

// NewRemoteIndex returns an empty index.
func NewRemoteIndex() *RemoteIndex {
	return &RemoteIndex{entries: make(map[common.TimelineID]common.Lsn)}
}

// SetRemoteConsistentLsn records the remote-consistent LSN for a timeline.
func (r *RemoteIndex) SetRemoteConsistentLsn(timelineID common.TimelineID, lsn common.Lsn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[timelineID]; !ok || lsn > cur {
		r.entries[timelineID] = lsn
	}
}

// RemoteConsistentLsn returns the recorded LSN for a timeline, if any.
func (r *RemoteIndex) RemoteConsistentLsn(timelineID common.TimelineID) (common.Lsn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lsn, ok := r.entries[timelineID]
	return lsn, ok
}

// Forget drops the entry for a deleted timeline.
func (r *RemoteIndex) Forget(timelineID common.TimelineID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, timelineID)
}
