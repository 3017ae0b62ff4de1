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

package common

import (
	"fmt"
	"strconv"
	"strings"
)

// Lsn is a WAL position: a monotonically increasing 64-bit byte offset into
// the write-ahead log. Lsn(0) is the invalid/unset sentinel.
type Lsn uint64

// InvalidLsn is the "unset" sentinel.
const InvalidLsn Lsn = 0

// walRecordAlignment is the alignment of WAL record start positions.
const walRecordAlignment = 8

// IsValid reports whether the LSN is set.
func (l Lsn) IsValid() bool { return l != InvalidLsn }

// Align rounds the LSN up to the next WAL record alignment boundary.
func (l Lsn) Align() Lsn {
	return (l + walRecordAlignment - 1) &^ (walRecordAlignment - 1)
}

// CheckedSub subtracts x from the LSN, reporting false if the result would
// underflow.
func (l Lsn) CheckedSub(x uint64) (Lsn, bool) {
	if uint64(l) < x {
		return InvalidLsn, false
	}
	return l - Lsn(x), true
}

// SaturatingSub subtracts x from the LSN, clamping at zero.
func (l Lsn) SaturatingSub(x uint64) Lsn {
	r, ok := l.CheckedSub(x)
	if !ok {
		return InvalidLsn
	}
	return r
}

// String renders the LSN in the customary hi/lo hex notation, e.g. "0/16B59A8".
func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xffffffff)
}

// ParseLsn parses the hi/lo hex notation produced by String.
func ParseLsn(s string) (Lsn, error) {
	hi, lo, found := strings.Cut(s, "/")
	if !found {
		return InvalidLsn, fmt.Errorf("invalid lsn %q: missing '/'", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return InvalidLsn, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	lw, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return InvalidLsn, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return Lsn(h<<32 | lw), nil
}

// MinLsn returns the smaller of a and b.
func MinLsn(a, b Lsn) Lsn {
	if a < b {
		return a
	}
	return b
}

// MaxLsn returns the larger of a and b.
func MaxLsn(a, b Lsn) Lsn {
	if a > b {
		return a
	}
	return b
}

// RecordLsn is the pair of the last WAL record's end position and the
// previous record's end position, updated together by the timeline writer.
type RecordLsn struct {
	Last Lsn
	Prev Lsn
}
