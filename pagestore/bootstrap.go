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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/zenithdb/pagestore/common"
)

// pageSize is the block size of the imported data directory.
const pageSize = 8192

// controlFileCheckpointOffset locates the checkpoint LSN inside
// global/pg_control: system identifier (8) + control version (4) +
// catalog version (4).
const controlFileCheckpointOffset = 16

// bootstrapTimeline initializes a brand-new root timeline: run the external
// data directory initializer into a temp dir, import its output at the
// control file's LSN, checkpoint, and commit via the uninit handle. The
// temp dir is removed on every exit path.
func (t *Tenant) bootstrapTimeline(timelineID common.TimelineID, pgVersion uint32) (*Timeline, error) {
	t.timelinesMu.Lock()
	mark, err := t.createTimelineUninitMarkLocked(timelineID)
	t.timelinesMu.Unlock()
	if err != nil {
		return nil, err
	}

	initdbPath := filepath.Join(t.conf.TimelinesPath(t.tenantID),
		fmt.Sprintf("basebackup-%s%s", timelineID, TempFileSuffix))

	// The uninit mark shields these files from everyone else; whatever a
	// previous attempt left behind goes first.
	if err := removeAllIgnoreAbsent(initdbPath); err != nil {
		mark.drop()
		return nil, err
	}
	// Registered before initdb runs so a failed run cannot strand its
	// half-populated workspace.
	defer func() {
		if rmErr := os.RemoveAll(initdbPath); rmErr != nil {
			// Restart or the next bootstrap call will retry the removal.
			t.log.Error("failed to remove temporary initdb directory", "path", initdbPath, "err", rmErr)
		}
	}()
	if err := runInitdb(t.conf, initdbPath, pgVersion); err != nil {
		mark.drop()
		return nil, err
	}

	pgdataLsn, err := lsnFromControlFile(initdbPath)
	if err != nil {
		mark.drop()
		return nil, err
	}
	pgdataLsn = pgdataLsn.Align()

	newMetadata := &TimelineMetadata{
		DiskConsistentLsn: pgdataLsn,
		LatestGcCutoffLsn: pgdataLsn,
		InitdbLsn:         pgdataLsn,
		PgVersion:         pgVersion,
	}
	uninitialized, err := t.prepareTimeline(timelineID, newMetadata, mark, true, nil)
	if err != nil {
		return nil, err
	}
	defer uninitialized.Abort()

	raw, err := uninitialized.RawTimeline()
	if err != nil {
		return nil, err
	}
	if err := importTimelineFromDatadir(raw, initdbPath, pgdataLsn); err != nil {
		return nil, fmt.Errorf("failed to import datadir for timeline %s/%s: %w", t.tenantID, timelineID, err)
	}
	if err := raw.Checkpoint(CheckpointForced); err != nil {
		return nil, fmt.Errorf("failed to checkpoint after datadir import for timeline %s/%s: %w", t.tenantID, timelineID, err)
	}

	t.timelinesMu.Lock()
	timeline, err := uninitialized.initializeLocked(false)
	t.timelinesMu.Unlock()
	if err != nil {
		return nil, err
	}

	t.log.Info("created root timeline", "timeline", timelineID.String(),
		"last_record_lsn", timeline.LastRecordLsn().String())
	return timeline, nil
}

// runInitdb invokes the external initializer with a scrubbed environment:
// only the library search path variables are set, stdout goes to null and
// stderr is captured for diagnostics.
func runInitdb(conf *PageServerConf, targetDir string, pgVersion uint32) error {
	initdbBin := filepath.Join(conf.PgBinDir, "initdb")
	cmd := exec.Command(initdbBin,
		"-D", targetDir,
		"-U", conf.Superuser,
		"-E", "utf8",
		"--no-instructions",
		"--no-sync",
	)
	cmd.Env = []string{
		"LD_LIBRARY_PATH=" + conf.PgLibDir,
		"DYLD_LIBRARY_PATH=" + conf.PgLibDir,
	}
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return &InitdbFailedError{Stderr: stderr.String()}
		}
		return fmt.Errorf("failed to execute %q for pg version %d: %w", initdbBin, pgVersion, err)
	}
	return nil
}

// lsnFromControlFile reads the initial checkpoint LSN out of the generated
// control file.
func lsnFromControlFile(pgdataPath string) (common.Lsn, error) {
	controlPath := filepath.Join(pgdataPath, "global", "pg_control")
	data, err := os.ReadFile(controlPath)
	if err != nil {
		return common.InvalidLsn, fmt.Errorf("failed to read control file %q: %w", controlPath, err)
	}
	if len(data) < controlFileCheckpointOffset+8 {
		return common.InvalidLsn, fmt.Errorf("control file %q is too short", controlPath)
	}
	return common.Lsn(binary.LittleEndian.Uint64(data[controlFileCheckpointOffset:])), nil
}

// importTimelineFromDatadir walks the generated data directory and stores
// every block of every file as a page image at the import LSN. Keys are
// derived from the relative file path plus the block number.
func importTimelineFromDatadir(tl *Timeline, pgdataPath string, lsn common.Lsn) error {
	writer := tl.Writer()
	defer writer.Close()

	err := filepath.Walk(pgdataPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Size() == 0 {
			return nil
		}
		rel, err := filepath.Rel(pgdataPath, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for block := 0; block*pageSize < len(data); block++ {
			endOff := (block + 1) * pageSize
			if endOff > len(data) {
				endOff = len(data)
			}
			page := data[block*pageSize : endOff]
			if err := writer.Put(datadirKey(rel, uint32(block)), lsn, ImageValue(page)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	writer.FinishWrite(lsn)
	return nil
}

// datadirKey maps one block of one data directory file to a page key: a
// hash of the relative path in the leading bytes, the block number in the
// trailing ones.
func datadirKey(relPath string, block uint32) common.Key {
	h := fnv.New128a()
	h.Write([]byte(relPath))
	var key common.Key
	sum := h.Sum(nil)
	copy(key[:14], sum)
	binary.BigEndian.PutUint32(key[14:], block)
	return key
}
