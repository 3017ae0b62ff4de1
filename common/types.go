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

// Package common contains the identifier and LSN types shared by all
// pagestore packages.
package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// IDLength is the length of a tenant or timeline identifier, in bytes.
	IDLength = 16
	// KeyLength is the length of a page key, in bytes.
	KeyLength = 18
)

// TenantID identifies one tenant: a tree of timelines sharing a common root.
type TenantID [IDLength]byte

// TimelineID identifies one timeline within a tenant.
type TimelineID [IDLength]byte

// Key addresses a single page. The internal structure of a key is opaque to
// the tenant layer; keys are ordered bytewise.
type Key [KeyLength]byte

// GenerateTenantID returns a new random tenant identifier.
func GenerateTenantID() TenantID {
	var id TenantID
	mustReadRand(id[:])
	return id
}

// GenerateTimelineID returns a new random timeline identifier.
func GenerateTimelineID() TimelineID {
	var id TimelineID
	mustReadRand(id[:])
	return id
}

func mustReadRand(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
}

// ParseTenantID parses the textual (hex) form of a tenant identifier.
func ParseTenantID(s string) (TenantID, error) {
	var id TenantID
	err := parseHexID(id[:], s)
	return id, err
}

// ParseTimelineID parses the textual (hex) form of a timeline identifier.
func ParseTimelineID(s string) (TimelineID, error) {
	var id TimelineID
	err := parseHexID(id[:], s)
	return id, err
}

// ParseKey parses the textual (hex) form of a page key.
func ParseKey(s string) (Key, error) {
	var k Key
	err := parseHexID(k[:], s)
	return k, err
}

func parseHexID(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex identifier %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid identifier length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func (id TenantID) String() string   { return hex.EncodeToString(id[:]) }
func (id TimelineID) String() string { return hex.EncodeToString(id[:]) }
func (k Key) String() string         { return hex.EncodeToString(k[:]) }

// IsZero reports whether the identifier is the all-zero value, used as the
// "unset" sentinel.
func (id TenantID) IsZero() bool   { return id == TenantID{} }
func (id TimelineID) IsZero() bool { return id == TimelineID{} }

// Bytes returns the identifier as a byte slice.
func (id TenantID) Bytes() []byte   { return id[:] }
func (id TimelineID) Bytes() []byte { return id[:] }
func (k Key) Bytes() []byte         { return k[:] }

func (id TenantID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id TimelineID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TenantID) UnmarshalText(text []byte) error {
	return parseHexID(id[:], string(text))
}

func (id *TimelineID) UnmarshalText(text []byte) error {
	return parseHexID(id[:], string(text))
}
