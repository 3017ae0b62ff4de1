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
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// fsyncDir fsyncs a directory so that entries created or removed inside it
// are durable.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// fsyncFileAndParent fsyncs a file and the directory containing it.
func fsyncFileAndParent(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// parFsync fsyncs several paths concurrently and returns the first error.
func parFsync(paths ...string) error {
	var g errgroup.Group
	for _, p := range paths {
		p := p
		g.Go(func() error {
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fsyncDir(p)
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			err = f.Sync()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		})
	}
	return g.Wait()
}

// createDirCrashsafe creates a directory and fsyncs its parent.
func createDirCrashsafe(dir string) error {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(dir))
}

// atomicWriteFile writes data to path via a temp file in the same directory,
// with fsync on the file and on the parent after the rename.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + TempFileSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// ignoreNotFound swallows "not found" errors; cleanup paths treat an already
// absent file as success.
func ignoreNotFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// removeAllIgnoreAbsent removes a file or directory tree, treating absence
// as success.
func removeAllIgnoreAbsent(path string) error {
	if err := ignoreNotFound(os.RemoveAll(path)); err != nil {
		return fmt.Errorf("failed to remove %q: %w", path, err)
	}
	return nil
}
