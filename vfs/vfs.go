/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package vfs implements C2: a read-only, content-addressed filesystem
// embedded in standalone binaries (spec.md §4.2, §6). A Root holds an
// in-memory directory tree and a reference to the data blob every file's
// bytes live in; there is no write path.
package vfs

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// EntryKind distinguishes the three kinds of directory entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDir
	EntrySymlink
)

// File is a virtual file: a name plus an offset+length into the root's
// data blob, and an optional single mtime reported for every stat slot
// (atime/mtime/ctime/birthtime) per spec.md §4.2.
type File struct {
	Name   string
	Offset int64
	Length int64
	MTime  *time.Time
}

// Symlink is a virtual symlink; Target is resolved relative to the
// directory the symlink lives in.
type Symlink struct {
	Name   string
	Target string
}

// Directory is an ordered set of entries, with a case-sensitivity mode
// inherited from its Root.
type Directory struct {
	Name    string
	Entries []Entry
}

// Entry is one of File, *Directory, or Symlink, tagged by Kind so callers
// can branch without a type switch.
type Entry struct {
	Kind EntryKind
	File File
	Dir  *Directory
	Link Symlink
}

func (e Entry) name() string {
	switch e.Kind {
	case EntryFile:
		return e.File.Name
	case EntryDir:
		return e.Dir.Name
	case EntrySymlink:
		return e.Link.Name
	default:
		return ""
	}
}

// DataSource supplies the bytes of the root's data blob: an in-memory
// []byte (BytesSource) or any io.ReaderAt over a serialized archive, as
// Deserialize uses. No memory-mapped source is provided, and the bundle
// archive loader in package loader does not use DataSource.
type DataSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Len() int64
}

// BytesSource is the simplest DataSource, wrapping an in-memory blob.
type BytesSource []byte

func (b BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	return n, nil
}

func (b BytesSource) Len() int64 { return int64(len(b)) }

// Root is a virtual filesystem root: an in-memory directory tree plus the
// data blob its files' offsets are relative to (spec.md §3 "Virtual FS
// root").
type Root struct {
	RootDir         *Directory
	RootPath        string
	StartFileOffset int64
	CaseSensitive   bool
	Data            DataSource
}

// errCircularSymlinks is returned by FindEntry when a symlink chain
// revisits a path already seen during resolution (spec.md §4.2, P8).
var errCircularSymlinks = fmt.Errorf("circular symlinks")

// ErrCircularSymlinks is the sentinel FindEntry returns for a cyclic
// symlink chain; wrap it with errors.Is to test for it.
func ErrCircularSymlinks() error { return errCircularSymlinks }

// FindEntry strips the root prefix from path, walks each component, and
// resolves symlinks recursively with a visited-set, failing with
// ErrCircularSymlinks if the same path is re-entered (spec.md §4.2, P8).
func (r *Root) FindEntry(path string) (Entry, error) {
	rel := r.stripRootPrefix(path)
	return r.findEntry(rel, map[string]bool{})
}

func (r *Root) stripRootPrefix(path string) string {
	rel := strings.TrimPrefix(path, r.RootPath)
	rel = strings.TrimPrefix(rel, "/")
	return rel
}

func (r *Root) findEntry(rel string, visited map[string]bool) (Entry, error) {
	if visited[rel] {
		return Entry{}, errCircularSymlinks
	}
	visited[rel] = true

	if rel == "" || rel == "." {
		return Entry{Kind: EntryDir, Dir: r.RootDir}, nil
	}

	components := strings.Split(rel, "/")
	cur := r.RootDir
	for i, comp := range components {
		entry, ok := r.lookupChild(cur, comp)
		if !ok {
			return Entry{}, fmt.Errorf("vfs: %q: %w", rel, errNotFound)
		}

		last := i == len(components)-1

		switch entry.Kind {
		case EntrySymlink:
			target := entry.Link.Target
			if !strings.HasPrefix(target, "/") {
				// relative symlink target, resolved against the
				// directory the link lives in
				dirRel := strings.Join(components[:i], "/")
				if dirRel != "" {
					target = dirRel + "/" + target
				}
			} else {
				target = strings.TrimPrefix(target, "/")
			}
			if !last {
				target = target + "/" + strings.Join(components[i+1:], "/")
			}
			return r.findEntry(target, visited)
		case EntryDir:
			if last {
				return entry, nil
			}
			cur = entry.Dir
		case EntryFile:
			if last {
				return entry, nil
			}
			return Entry{}, fmt.Errorf("vfs: %q: not a directory", strings.Join(components[:i+1], "/"))
		}
	}
	return Entry{}, fmt.Errorf("vfs: %q: %w", rel, errNotFound)
}

func (r *Root) lookupChild(dir *Directory, name string) (Entry, bool) {
	for _, e := range dir.Entries {
		candidate := e.name()
		if r.CaseSensitive {
			if candidate == name {
				return e, true
			}
		} else if strings.EqualFold(candidate, name) {
			return e, true
		}
	}
	return Entry{}, false
}

var errNotFound = fmt.Errorf("no such file or directory")

// ReadFile reads up to len(buf) bytes from file starting at pos,
// returning io.EOF once pos reaches file.Length (spec.md §4.2, P1/B1).
func (r *Root) ReadFile(file File, pos int64, buf []byte) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("vfs: %s: pointer before beginning", file.Name)
	}
	if pos > file.Length {
		return 0, io.EOF
	}
	remaining := file.Length - pos
	want := int64(len(buf))
	if want > remaining {
		want = remaining
	}
	if want == 0 {
		return 0, io.EOF
	}
	start := r.StartFileOffset + file.Offset + pos
	return r.Data.ReadAt(buf[:want], start)
}

// ReadFileAll reads the entirety of file's contents in one call.
func (r *Root) ReadFileAll(file File) ([]byte, error) {
	buf := make([]byte, file.Length)
	var read int64
	for read < file.Length {
		n, err := r.ReadFile(file, read, buf[read:])
		read += int64(n)
		if err != nil {
			if err == io.EOF && read == file.Length {
				break
			}
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf[:read], nil
}

// Stat is the shape spec.md §4.2 requires: file type, length, and a
// single optional mtime reported in every time slot; device, inode, mode,
// link count, uid, gid are always zero.
type Stat struct {
	IsDir     bool
	Length    int64
	ATime     *time.Time
	MTime     *time.Time
	CTime     *time.Time
	BirthTime *time.Time
}

// StatEntry produces the Stat shape for an Entry.
func StatEntry(e Entry) Stat {
	switch e.Kind {
	case EntryFile:
		return Stat{Length: e.File.Length, ATime: e.File.MTime, MTime: e.File.MTime, CTime: e.File.MTime, BirthTime: e.File.MTime}
	case EntryDir:
		return Stat{IsDir: true}
	default:
		return Stat{}
	}
}

// Write is always unsupported: the virtual filesystem is read-only
// (spec.md §4.2).
func (r *Root) Write([]byte) (int, error) {
	return 0, fmt.Errorf("vfs: write: %w", errNotSupported)
}

var errNotSupported = fmt.Errorf("not supported")
