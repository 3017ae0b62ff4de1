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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/zenithdb/pagestore/common"
)

// MetadataSize is the exact size of the on-disk metadata file.
const MetadataSize = 512

const metadataVersion = 1

const (
	metadataFlagHasPrev     = 1 << 0
	metadataFlagHasAncestor = 1 << 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TimelineMetadata is the per-timeline header persisted next to the layer
// files. It records where the timeline forked off and how far its on-disk
// state is guaranteed to reach.
type TimelineMetadata struct {
	// DiskConsistentLsn is the highest LSN whose effects are durably present
	// in on-disk layers.
	DiskConsistentLsn common.Lsn
	// PrevRecordLsn is the end of the record before DiskConsistentLsn, when
	// known; InvalidLsn otherwise.
	PrevRecordLsn common.Lsn
	// AncestorTimeline is the parent timeline, zero for a root.
	AncestorTimeline common.TimelineID
	// AncestorLsn is the branch point on the parent.
	AncestorLsn common.Lsn
	// LatestGcCutoffLsn is the oldest LSN still readable on this timeline.
	LatestGcCutoffLsn common.Lsn
	// InitdbLsn is the LSN the root data directory was imported at.
	InitdbLsn common.Lsn
	// PgVersion is the major version of the originating database system.
	PgVersion uint32
}

// MarshalBinary encodes the metadata into the fixed 512-byte checksummed
// format: a CRC-32C over bytes 4..512, then a versioned little-endian body,
// zero padded.
func (m *TimelineMetadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetadataSize)

	var flags byte
	if m.PrevRecordLsn.IsValid() {
		flags |= metadataFlagHasPrev
	}
	if !m.AncestorTimeline.IsZero() {
		flags |= metadataFlagHasAncestor
	}

	binary.LittleEndian.PutUint16(buf[4:], metadataVersion)
	buf[6] = flags
	binary.LittleEndian.PutUint64(buf[8:], uint64(m.DiskConsistentLsn))
	binary.LittleEndian.PutUint64(buf[16:], uint64(m.PrevRecordLsn))
	copy(buf[24:40], m.AncestorTimeline.Bytes())
	binary.LittleEndian.PutUint64(buf[40:], uint64(m.AncestorLsn))
	binary.LittleEndian.PutUint64(buf[48:], uint64(m.LatestGcCutoffLsn))
	binary.LittleEndian.PutUint64(buf[56:], uint64(m.InitdbLsn))
	binary.LittleEndian.PutUint32(buf[64:], m.PgVersion)

	binary.LittleEndian.PutUint32(buf[0:], crc32.Checksum(buf[4:], castagnoli))
	return buf, nil
}

// UnmarshalTimelineMetadata decodes and verifies a 512-byte metadata blob.
func UnmarshalTimelineMetadata(data []byte) (*TimelineMetadata, error) {
	if len(data) != MetadataSize {
		return nil, fmt.Errorf("%w: unexpected size %d", ErrMetadataParse, len(data))
	}
	stored := binary.LittleEndian.Uint32(data[0:])
	if computed := crc32.Checksum(data[4:], castagnoli); stored != computed {
		return nil, ErrMetadataChecksum
	}
	if version := binary.LittleEndian.Uint16(data[4:]); version != metadataVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMetadataParse, version)
	}
	flags := data[6]

	m := &TimelineMetadata{
		DiskConsistentLsn: common.Lsn(binary.LittleEndian.Uint64(data[8:])),
		AncestorLsn:       common.Lsn(binary.LittleEndian.Uint64(data[40:])),
		LatestGcCutoffLsn: common.Lsn(binary.LittleEndian.Uint64(data[48:])),
		InitdbLsn:         common.Lsn(binary.LittleEndian.Uint64(data[56:])),
		PgVersion:         binary.LittleEndian.Uint32(data[64:]),
	}
	if flags&metadataFlagHasPrev != 0 {
		m.PrevRecordLsn = common.Lsn(binary.LittleEndian.Uint64(data[16:]))
	}
	if flags&metadataFlagHasAncestor != 0 {
		copy(m.AncestorTimeline[:], data[24:40])
	}
	return m, nil
}

// SaveMetadata atomically rewrites the timeline's metadata file: temp file,
// fsync, rename, fsync parent.
func SaveMetadata(conf *PageServerConf, tenantID common.TenantID, timelineID common.TimelineID, m *TimelineMetadata) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize metadata for timeline %s/%s: %w", tenantID, timelineID, err)
	}
	path := conf.MetadataPath(tenantID, timelineID)
	if err := atomicWriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write metadata file %q: %w", path, err)
	}
	return nil
}

// LoadMetadata reads and verifies the timeline's metadata file.
func LoadMetadata(conf *PageServerConf, tenantID common.TenantID, timelineID common.TimelineID) (*TimelineMetadata, error) {
	path := conf.MetadataPath(tenantID, timelineID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata bytes from %q: %w", path, err)
	}
	m, err := UnmarshalTimelineMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata bytes from %q: %w", path, err)
	}
	return m, nil
}
