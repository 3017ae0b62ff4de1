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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zenithdb/pagestore/common"
)

var (
	// ErrTenantInactive is returned by operations that require an Active tenant.
	ErrTenantInactive = errors.New("tenant is not active")

	// ErrTenantBroken is returned when an operation is attempted on a tenant
	// that has entered the Broken state.
	ErrTenantBroken = errors.New("tenant is broken")

	// ErrTimelineNotFound is returned when the requested timeline is not
	// present in the tenant.
	ErrTimelineNotFound = errors.New("timeline not found")

	// ErrTimelineNotActive is returned when a timeline exists but is not in
	// the Active state and the caller requested an active one.
	ErrTimelineNotActive = errors.New("timeline is not active")

	// ErrTimelineAlreadyExists is returned when a timeline with the requested
	// ID is already present in the tenant map.
	ErrTimelineAlreadyExists = errors.New("timeline already exists")

	// ErrTimelineDirExists is returned when the on-disk timeline directory
	// already exists while creating a new timeline.
	ErrTimelineDirExists = errors.New("timeline directory already exists")

	// ErrHasChildren is returned by DeleteTimeline when other timelines still
	// branch off the one being deleted.
	ErrHasChildren = errors.New("timeline has child timelines")

	// ErrMetadataChecksum is returned when the metadata file checksum does
	// not match its contents.
	ErrMetadataChecksum = errors.New("metadata checksum mismatch")

	// ErrMetadataParse is returned when the metadata file cannot be decoded.
	ErrMetadataParse = errors.New("invalid metadata")

	// ErrUnknownConfigKey is returned when the tenant config file contains a
	// key this version does not know about.
	ErrUnknownConfigKey = errors.New("unrecognized config key")

	// ErrConfigParse is returned when the tenant config file cannot be
	// decoded as TOML.
	ErrConfigParse = errors.New("invalid tenant config")

	// ErrShutdown reports that a cooperative shutdown was observed.
	ErrShutdown = errors.New("shutdown requested")
)

// StartLsnReason classifies why a branch start LSN was rejected.
type StartLsnReason uint8

const (
	// AlreadyGced: the start LSN lies below the source timeline's latest GC
	// cutoff, so the data may already have been reclaimed.
	AlreadyGced StartLsnReason = iota
	// WouldBeGced: the start LSN lies below the planned GC cutoff of an
	// in-queue GC iteration.
	WouldBeGced
	// BeforeAncestorLsn: the start LSN lies below the source timeline's own
	// branch point.
	BeforeAncestorLsn
)

// InvalidStartLsnError rejects a branch creation whose start LSN falls
// outside the retained range of the source timeline.
type InvalidStartLsnError struct {
	Reason StartLsnReason
	Lsn    common.Lsn
	Cutoff common.Lsn
}

func (e *InvalidStartLsnError) Error() string {
	switch e.Reason {
	case AlreadyGced:
		return fmt.Sprintf(
			"invalid branch start lsn: LSN %s is earlier than latest GC horizon %s (we might've already garbage collected needed data)",
			e.Lsn, e.Cutoff)
	case WouldBeGced:
		return fmt.Sprintf("invalid branch start lsn: LSN %s is earlier than planned GC cutoff %s", e.Lsn, e.Cutoff)
	case BeforeAncestorLsn:
		return fmt.Sprintf("invalid branch start lsn: LSN %s is earlier than timeline ancestor lsn %s", e.Lsn, e.Cutoff)
	default:
		return fmt.Sprintf("invalid branch start lsn %s", e.Lsn)
	}
}

// OrphanTimelinesError reports timelines whose persisted ancestor is missing
// from the tenant directory; the whole attach is failed when any exist.
type OrphanTimelinesError struct {
	// Orphans maps each orphaned timeline to its missing ancestor.
	Orphans map[common.TimelineID]common.TimelineID
}

func (e *OrphanTimelinesError) Error() string {
	ids := make([]string, 0, len(e.Orphans))
	for orphan, missing := range e.Orphans {
		ids = append(ids, fmt.Sprintf("%s (missing ancestor %s)", orphan, missing))
	}
	sort.Strings(ids)
	return "cannot load tenant, some timelines are missing ancestors: " + strings.Join(ids, ", ")
}

// InitdbFailedError reports a nonzero exit from the external data directory
// initializer, carrying its captured stderr.
type InitdbFailedError struct {
	Stderr string
}

func (e *InitdbFailedError) Error() string {
	return fmt.Sprintf("initdb failed: %q", e.Stderr)
}
