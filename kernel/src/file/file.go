// Package file defines the open-file collaborator contract named in the
// core's external interfaces (fileread/set_offset/file_is_readable/
// file_is_writable/filedup/fileclose) and a minimal in-memory
// implementation used by tests and cmd/kerntest, since a real filesystem
// and disk driver are named out of scope.
package file

import (
	"sync"

	"defs"
)

/// File_i is the subset of a process's open-file behavior the mmap
/// subsystem depends on: reading at an internal offset, and the two
/// access checks mmap must honor before installing a file-backed page.
type File_i interface {
	Read(buf []byte) (int, defs.Err_t)
	Seek(off int)
	Readable() bool
	Writable() bool
	Dup() File_i
	Close()
}

/// MemFile_t is an in-memory File_i backed by a byte slice, standing in
/// for a real inode/disk-backed file. It is reference-counted the way
/// the teacher's fd table entries are, so Dup/Close mirror filedup/
/// fileclose without needing a real vnode layer.
type MemFile_t struct {
	mu       sync.Mutex
	data     []byte
	off      int
	readable bool
	writable bool
	refs     *int32
}

/// NewMemFile wraps data as a readable (and optionally writable) file
/// with its offset at zero.
func NewMemFile(data []byte, readable, writable bool) *MemFile_t {
	refs := int32(1)
	return &MemFile_t{data: data, readable: readable, writable: writable, refs: &refs}
}

/// Read copies up to len(buf) bytes starting at the file's current
/// offset, advancing it, mirroring fileread's contract: fewer bytes
/// than requested only at end-of-file.
func (f *MemFile_t) Read(buf []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.readable {
		return 0, -defs.EACCES
	}
	if f.off >= len(f.data) {
		return 0, 0
	}
	n := copy(buf, f.data[f.off:])
	f.off += n
	return n, 0
}

/// Seek repositions the file's internal offset, mirroring set_offset.
func (f *MemFile_t) Seek(off int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.off = off
}

/// Readable mirrors file_is_readable.
func (f *MemFile_t) Readable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readable
}

/// Writable mirrors file_is_writable.
func (f *MemFile_t) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable
}

/// Dup increments the file's reference count and returns a handle
/// sharing the same underlying data and offset, mirroring filedup.
func (f *MemFile_t) Dup() File_i {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.refs++
	return f
}

/// Close decrements the reference count; the file is left for the
/// garbage collector once it reaches zero, since there is no backing
/// vnode to release.
func (f *MemFile_t) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.refs--
}
