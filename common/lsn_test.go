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

import "testing"

func TestLsnString(t *testing.T) {
	tests := []struct {
		lsn  Lsn
		want string
	}{
		{0, "0/0"},
		{0x16B59A8, "0/16B59A8"},
		{0x1_0000_0000, "1/0"},
		{0x12345678_9ABCDEF0, "12345678/9ABCDEF0"},
	}
	for _, tc := range tests {
		if got := tc.lsn.String(); got != tc.want {
			t.Errorf("Lsn(%#x).String() = %q, want %q", uint64(tc.lsn), got, tc.want)
		}
		parsed, err := ParseLsn(tc.want)
		if err != nil {
			t.Fatalf("ParseLsn(%q): %v", tc.want, err)
		}
		if parsed != tc.lsn {
			t.Errorf("ParseLsn(%q) = %#x, want %#x", tc.want, uint64(parsed), uint64(tc.lsn))
		}
	}
}

func TestParseLsnErrors(t *testing.T) {
	for _, bad := range []string{"", "16B59A8", "0/zz", "x/0", "0/0/0"} {
		if _, err := ParseLsn(bad); err == nil {
			t.Errorf("ParseLsn(%q) succeeded, want error", bad)
		}
	}
}

func TestLsnAlign(t *testing.T) {
	tests := []struct {
		in, want Lsn
	}{
		{0, 0},
		{1, 8},
		{7, 8},
		{8, 8},
		{0x25, 0x28},
		{0x28, 0x28},
	}
	for _, tc := range tests {
		if got := tc.in.Align(); got != tc.want {
			t.Errorf("Lsn(%#x).Align() = %#x, want %#x", uint64(tc.in), uint64(got), uint64(tc.want))
		}
	}
}

func TestLsnCheckedSub(t *testing.T) {
	if got, ok := Lsn(0x50).CheckedSub(0x10); !ok || got != 0x40 {
		t.Errorf("CheckedSub(0x10) = %#x, %v", uint64(got), ok)
	}
	if _, ok := Lsn(0x10).CheckedSub(0x50); ok {
		t.Error("CheckedSub underflow not reported")
	}
	if got := Lsn(0x10).SaturatingSub(0x50); got != InvalidLsn {
		t.Errorf("SaturatingSub = %#x, want 0", uint64(got))
	}
}

func TestLsnValidity(t *testing.T) {
	if InvalidLsn.IsValid() {
		t.Error("InvalidLsn reported valid")
	}
	if !Lsn(1).IsValid() {
		t.Error("Lsn(1) reported invalid")
	}
}

func TestMinMaxLsn(t *testing.T) {
	if MinLsn(1, 2) != 1 || MinLsn(2, 1) != 1 {
		t.Error("MinLsn broken")
	}
	if MaxLsn(1, 2) != 2 || MaxLsn(2, 1) != 2 {
		t.Error("MaxLsn broken")
	}
}
