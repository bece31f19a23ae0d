// Package file defines the filesystem collaborator a file-backed page needs:
// seek, a stateful read/write cursor, length, a writable flag, and a reopen
// that lets a memory-mapped file outlive the descriptor that opened it.
package file

import (
	"io"
	"os"
	"sync"
)

// File is the narrow filesystem surface the paging core depends on. The
// filesystem implementation itself lives outside this module's scope.
type File interface {
	Seek(ofs int64) error
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Length() int64
	Writable() bool
	Close() error
	// Reopen returns an independent handle to the same underlying file, with
	// its own cursor, so a memory mapping can keep reading and writing back
	// to the file after the descriptor that created the mapping is closed.
	Reopen() (File, error)
}

// OSFile adapts an *os.File to File, serializing its cursor with a mutex
// since page_in/page_out calls can arrive from different goroutines for
// different pages of the same mapped file.
type OSFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	writable bool
	pos      int64
}

// NewOSFile wraps f, opened from path with the given writable intent.
func NewOSFile(f *os.File, path string, writable bool) *OSFile {
	return &OSFile{f: f, path: path, writable: writable}
}

// Open opens path for reading, or reading and writing if writable is true,
// and wraps the result in an OSFile.
func Open(path string, writable bool) (*OSFile, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return NewOSFile(f, path, writable), nil
}

func (o *OSFile) Seek(ofs int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pos = ofs
	return nil
}

func (o *OSFile) Read(buf []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.f.ReadAt(buf, o.pos)
	o.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (o *OSFile) Write(buf []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.f.WriteAt(buf, o.pos)
	o.pos += int64(n)
	return n, err
}

func (o *OSFile) Length() int64 {
	fi, err := o.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (o *OSFile) Writable() bool { return o.writable }

func (o *OSFile) Close() error { return o.f.Close() }

func (o *OSFile) Reopen() (File, error) {
	return Open(o.path, o.writable)
}
