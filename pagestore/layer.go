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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/zenithdb/pagestore/common"
)

// Layer files start with a two-byte big-endian magic identifying the kind.
const (
	deltaFileMagic uint16 = 0x5A64
	imageFileMagic uint16 = 0x5A69
)

type layerKind uint8

const (
	deltaLayerKind layerKind = iota
	imageLayerKind
)

func (k layerKind) String() string {
	if k == imageLayerKind {
		return "image"
	}
	return "delta"
}

// pageVersion is one stored version of one page.
type pageVersion struct {
	lsn common.Lsn
	val Value
}

// openLayer is the in-memory layer receiving writes. It covers
// [start, last_record] until frozen.
type openLayer struct {
	start common.Lsn
	pages map[common.Key][]pageVersion
	size  uint64
}

func newOpenLayer(start common.Lsn) *openLayer {
	return &openLayer{start: start, pages: make(map[common.Key][]pageVersion)}
}

func (l *openLayer) put(key common.Key, lsn common.Lsn, val Value) {
	versions := l.pages[key]
	i := sort.Search(len(versions), func(i int) bool { return versions[i].lsn >= lsn })
	if i < len(versions) && versions[i].lsn == lsn {
		versions[i].val = val
	} else {
		versions = append(versions, pageVersion{})
		copy(versions[i+1:], versions[i:])
		versions[i] = pageVersion{lsn: lsn, val: val}
	}
	l.pages[key] = versions
	l.size += uint64(len(val.Data)) + 16
}

// storageLayer is a frozen, immutable layer covering [start, end). Frozen
// layers are persisted as one file each and kept resident.
type storageLayer struct {
	kind      layerKind
	start     common.Lsn
	end       common.Lsn
	createdAt time.Time
	path      string
	pages     map[common.Key][]pageVersion
}

// layerMap is the per-timeline set of layers: the open in-memory layer plus
// the frozen on-disk layers, ordered by start LSN ascending.
type layerMap struct {
	open            *openLayer
	nextOpenLayerAt common.Lsn
	frozen          []*storageLayer
}

func (lm *layerMap) insertFrozen(l *storageLayer) {
	i := sort.Search(len(lm.frozen), func(i int) bool { return lm.frozen[i].start > l.start })
	lm.frozen = append(lm.frozen, nil)
	copy(lm.frozen[i+1:], lm.frozen[i:])
	lm.frozen[i] = l
}

// layerFileName renders the canonical layer file name for a range.
func layerFileName(start, end common.Lsn) string {
	return fmt.Sprintf("%016X-%016X", uint64(start), uint64(end))
}

// parseLayerFileName recognizes the canonical layer file name.
func parseLayerFileName(name string) (start, end common.Lsn, ok bool) {
	if len(name) != 33 || name[16] != '-' {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(name[:16], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	e, err := strconv.ParseUint(name[17:], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return common.Lsn(s), common.Lsn(e), true
}

// writeLayerFile persists a frozen layer: magic, then per key the version
// list with snappy-compressed values. The file is written to a temp path,
// fsynced and renamed; the parent fsync is left to the caller so several
// files can be synced in parallel.
func writeLayerFile(dir string, l *storageLayer) (string, error) {
	path := filepath.Join(dir, layerFileName(l.start, l.end))

	var buf bytes.Buffer
	magic := deltaFileMagic
	if l.kind == imageLayerKind {
		magic = imageFileMagic
	}
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], magic)
	buf.Write(u16[:])

	keys := make([]common.Key, 0, len(l.pages))
	for k := range l.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	var scratch [8]byte
	for _, key := range keys {
		versions := l.pages[key]
		buf.Write(key[:])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(versions)))
		buf.Write(scratch[:4])
		for _, v := range versions {
			binary.LittleEndian.PutUint64(scratch[:], uint64(v.lsn))
			buf.Write(scratch[:])
			meta := byte(v.val.Kind)
			if v.val.WillInit {
				meta |= 0x80
			}
			buf.WriteByte(meta)
			compressed := snappy.Encode(nil, v.val.Data)
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(compressed)))
			buf.Write(scratch[:4])
			buf.Write(compressed)
		}
	}

	tmp := path + TempFileSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// readLayerFile loads a layer file written by writeLayerFile.
func readLayerFile(path string, start, end common.Lsn) (*storageLayer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("layer file %q is truncated", path)
	}
	var kind layerKind
	switch binary.BigEndian.Uint16(data[:2]) {
	case deltaFileMagic:
		kind = deltaLayerKind
	case imageFileMagic:
		kind = imageLayerKind
	default:
		return nil, fmt.Errorf("layer file %q has unrecognized magic %#x", path, data[:2])
	}

	l := &storageLayer{
		kind:  kind,
		start: start,
		end:   end,
		path:  path,
		pages: make(map[common.Key][]pageVersion),
	}
	if info, err := os.Stat(path); err == nil {
		l.createdAt = info.ModTime()
	}

	r := data[2:]
	for len(r) > 0 {
		if len(r) < common.KeyLength+4 {
			return nil, fmt.Errorf("layer file %q is truncated", path)
		}
		var key common.Key
		copy(key[:], r[:common.KeyLength])
		r = r[common.KeyLength:]
		count := binary.LittleEndian.Uint32(r[:4])
		r = r[4:]
		versions := make([]pageVersion, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(r) < 13 {
				return nil, fmt.Errorf("layer file %q is truncated", path)
			}
			lsn := common.Lsn(binary.LittleEndian.Uint64(r[:8]))
			meta := r[8]
			clen := binary.LittleEndian.Uint32(r[9:13])
			r = r[13:]
			if uint32(len(r)) < clen {
				return nil, fmt.Errorf("layer file %q is truncated", path)
			}
			raw, err := snappy.Decode(nil, r[:clen])
			if err != nil {
				return nil, fmt.Errorf("layer file %q has corrupt value: %w", path, err)
			}
			r = r[clen:]
			versions = append(versions, pageVersion{
				lsn: lsn,
				val: Value{Kind: ValueKind(meta & 0x7f), Data: raw, WillInit: meta&0x80 != 0},
			})
		}
		l.pages[key] = versions
	}
	return l, nil
}

// DumpLayerFile prints a human-readable rendering of a layer file,
// dispatching on its magic. With verbose set, every stored version is
// listed; otherwise only per-key version counts.
func DumpLayerFile(path string, verbose bool, w io.Writer) error {
	name := filepath.Base(path)
	start, end, ok := parseLayerFileName(name)
	if !ok {
		return fmt.Errorf("%q is not a layer file name", name)
	}
	l, err := readLayerFile(path, start, end)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s layer %s..%s, %d keys\n", l.kind, l.start, l.end, len(l.pages))

	keys := make([]common.Key, 0, len(l.pages))
	for k := range l.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	for _, key := range keys {
		versions := l.pages[key]
		if !verbose {
			fmt.Fprintf(w, "  %s: %d versions\n", key, len(versions))
			continue
		}
		for _, v := range versions {
			kind := "img"
			if v.val.Kind == ValueDelta {
				kind = "rec"
			}
			fmt.Fprintf(w, "  %s @ %s: %s, %d bytes\n", key, v.lsn, kind, len(v.val.Data))
		}
	}
	return nil
}
