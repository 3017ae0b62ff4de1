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
	"log/slog"

	"github.com/zenithdb/pagestore/common"
)

// sortedTimeline pairs a timeline with its persisted metadata, in
// load order.
type sortedTimeline struct {
	id       common.TimelineID
	metadata *TimelineMetadata
}

// treeSortTimelines orders the persisted timelines so every parent precedes
// all of its descendants (Kahn's algorithm over the ancestor edges). The
// ready set is drained LIFO; order among unrelated siblings follows map
// iteration and is not part of the contract. Timelines whose ancestor is
// missing are orphans: each one is logged and the whole attach fails.
func treeSortTimelines(timelines map[common.TimelineID]*TimelineMetadata) ([]sortedTimeline, error) {
	result := make([]sortedTimeline, 0, len(timelines))

	var ready []sortedTimeline
	pending := make(map[common.TimelineID][]sortedTimeline)
	for id, metadata := range timelines {
		if metadata.AncestorTimeline.IsZero() {
			ready = append(ready, sortedTimeline{id: id, metadata: metadata})
		} else {
			ancestor := metadata.AncestorTimeline
			pending[ancestor] = append(pending[ancestor], sortedTimeline{id: id, metadata: metadata})
		}
	}

	for len(ready) > 0 {
		next := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		result = append(result, next)
		if children, ok := pending[next.id]; ok {
			delete(pending, next.id)
			ready = append(ready, children...)
		}
	}

	if len(pending) > 0 {
		orphans := make(map[common.TimelineID]common.TimelineID)
		for missing, children := range pending {
			for _, child := range children {
				slog.Error("could not load timeline because its ancestor could not be loaded",
					"timeline", child.id.String(), "missing_ancestor", missing.String())
				orphans[child.id] = missing
			}
		}
		return nil, &OrphanTimelinesError{Orphans: orphans}
	}
	return result, nil
}
