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

import "github.com/zenithdb/pagestore/common"

// WalRecord is one delta record scheduled for redo, in WAL order.
type WalRecord struct {
	Lsn      common.Lsn
	Data     []byte
	WillInit bool
}

// WalRedoManager materializes a page image by replaying WAL records on top
// of an optional base image. The manager lives outside this package; the
// tenant only routes requests to it.
type WalRedoManager interface {
	RequestRedo(key common.Key, lsn common.Lsn, baseImage []byte, records []WalRecord, pgVersion uint32) ([]byte, error)
}

// WalReceiverLauncher starts WAL ingestion for a freshly activated timeline.
// The receiver itself lives outside this package; a nil launcher disables
// ingestion (tests, read-only replicas).
type WalReceiverLauncher interface {
	Launch(tl *Timeline)
}
