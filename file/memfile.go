package file

import (
	"io"
	"sync"
)

// MemFile is an in-memory File, shared (by pointer) across every Reopen of
// the same underlying data. It exists for tests that exercise file-backed
// paging without touching a real filesystem.
type MemFile struct {
	shared   *memData
	writable bool
	pos      int64
}

type memData struct {
	mu   sync.Mutex
	data []byte
}

// NewMemFile wraps a copy of data in a MemFile.
func NewMemFile(data []byte, writable bool) *MemFile {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemFile{shared: &memData{data: buf}, writable: writable}
}

func (m *MemFile) Seek(ofs int64) error {
	m.pos = ofs
	return nil
}

func (m *MemFile) Read(buf []byte) (int, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	if m.pos >= int64(len(m.shared.data)) {
		return 0, io.EOF
	}
	n := copy(buf, m.shared.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *MemFile) Write(buf []byte) (int, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	end := m.pos + int64(len(buf))
	if end > int64(len(m.shared.data)) {
		grown := make([]byte, end)
		copy(grown, m.shared.data)
		m.shared.data = grown
	}
	n := copy(m.shared.data[m.pos:end], buf)
	m.pos += int64(n)
	return n, nil
}

func (m *MemFile) Length() int64 {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return int64(len(m.shared.data))
}

func (m *MemFile) Writable() bool { return m.writable }

func (m *MemFile) Close() error { return nil }

func (m *MemFile) Reopen() (File, error) {
	return &MemFile{shared: m.shared, writable: m.writable}, nil
}
