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

import "time"

// ValueKind discriminates stored page versions.
type ValueKind uint8

const (
	// ValueImage is a full page image.
	ValueImage ValueKind = iota
	// ValueDelta is a WAL record to be replayed on top of an earlier image.
	ValueDelta
)

// Value is one stored page version: either a materialized image or a delta
// record that needs WAL redo to materialize.
type Value struct {
	Kind ValueKind
	// Data holds the page image or the encoded WAL record.
	Data []byte
	// WillInit marks a delta record that initializes the page and needs no
	// base image.
	WillInit bool
}

// ImageValue wraps a page image.
func ImageValue(data []byte) Value {
	return Value{Kind: ValueImage, Data: data}
}

// DeltaValue wraps a WAL record.
func DeltaValue(rec []byte, willInit bool) Value {
	return Value{Kind: ValueDelta, Data: rec, WillInit: willInit}
}

// CheckpointMode selects how eagerly Checkpoint flushes in-memory data.
type CheckpointMode uint8

const (
	// CheckpointFlush freezes the open in-memory layer and writes it to disk
	// as a new layer file.
	CheckpointFlush CheckpointMode = iota
	// CheckpointForced does the same; the in-memory layer model has no
	// separate frozen-but-unflushed stage, so the two modes behave alike.
	CheckpointForced
)

func (m CheckpointMode) String() string {
	if m == CheckpointForced {
		return "forced"
	}
	return "flush"
}

// GcResult accumulates the per-timeline reclamation counters of one GC
// iteration.
type GcResult struct {
	LayersTotal            uint64
	LayersNeededByCutoff   uint64
	LayersNeededByPitr     uint64
	LayersNeededByBranches uint64
	LayersNotUpdated       uint64
	LayersRemoved          uint64

	// Elapsed is the wall time of the whole iteration, including planning.
	Elapsed time.Duration
}

// Add accumulates other into r.
func (r *GcResult) Add(other GcResult) {
	r.LayersTotal += other.LayersTotal
	r.LayersNeededByCutoff += other.LayersNeededByCutoff
	r.LayersNeededByPitr += other.LayersNeededByPitr
	r.LayersNeededByBranches += other.LayersNeededByBranches
	r.LayersNotUpdated += other.LayersNotUpdated
	r.LayersRemoved += other.LayersRemoved
}

// TimelineState is the lifecycle state of a single timeline.
type TimelineState uint8

const (
	// TimelineActive accepts reads and writes.
	TimelineActive TimelineState = iota
	// TimelineSuspended is temporarily not accepting work; the tenant is
	// paused or shutting down.
	TimelineSuspended
	// TimelinePaused is stopped ahead of deletion.
	TimelinePaused
	// TimelineBroken failed to load; kept for inspection, never used.
	TimelineBroken
)

func (s TimelineState) String() string {
	switch s {
	case TimelineActive:
		return "Active"
	case TimelineSuspended:
		return "Suspended"
	case TimelinePaused:
		return "Paused"
	case TimelineBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// TenantState is the lifecycle state of a tenant.
type TenantState uint8

const (
	// TenantStatePaused is the initial state: loaded, not serving.
	TenantStatePaused TenantState = iota
	// TenantStateActive serves requests; background jobs are idle.
	TenantStateActive
	// TenantStateActiveBackground serves requests with the GC and compaction
	// loops running.
	TenantStateActiveBackground
	// TenantStateBroken is terminal; no further transitions are accepted.
	TenantStateBroken
)

// IsActive reports whether the tenant serves requests.
func (s TenantState) IsActive() bool {
	return s == TenantStateActive || s == TenantStateActiveBackground
}

// BackgroundJobsRunning reports whether the background loops should run.
func (s TenantState) BackgroundJobsRunning() bool {
	return s == TenantStateActiveBackground
}

func (s TenantState) String() string {
	switch s {
	case TenantStatePaused:
		return "Paused"
	case TenantStateActive:
		return "Active"
	case TenantStateActiveBackground:
		return "Active(background)"
	case TenantStateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}
