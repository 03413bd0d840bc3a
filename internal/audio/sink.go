package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemorySink keeps decoded audio in memory and tracks how many resources are
// still live.
type MemorySink struct {
	mu   sync.Mutex
	live map[string]*Buffer
}

func NewMemorySink() *MemorySink {
	return &MemorySink{live: make(map[string]*Buffer)}
}

func (s *MemorySink) Create(data []byte, contentType string) (Resource, error) {
	b := &Buffer{id: uuid.NewString(), contentType: contentType, data: append([]byte(nil), data...), sink: s}
	s.mu.Lock()
	s.live[b.id] = b
	s.mu.Unlock()
	return b, nil
}

// Live reports the number of unreleased buffers.
func (s *MemorySink) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Buffer is an in-memory playable resource.
type Buffer struct {
	id          string
	contentType string
	data        []byte
	sink        *MemorySink
}

func (b *Buffer) ID() string          { return b.id }
func (b *Buffer) ContentType() string { return b.contentType }

// Bytes returns the decoded audio.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Release() error {
	b.sink.mu.Lock()
	delete(b.sink.live, b.id)
	b.sink.mu.Unlock()
	b.data = nil
	return nil
}

// FileSink writes each decoded reply to its own file under Dir so an external
// player can pick it up; releasing the resource deletes the file.
type FileSink struct {
	Dir string
}

func (s FileSink) Create(data []byte, contentType string) (Resource, error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio dir %s: %w", dir, err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, "patient-"+id+extension(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &File{id: id, path: path, contentType: contentType}, nil
}

type File struct {
	id          string
	path        string
	contentType string
}

func (f *File) ID() string          { return f.id }
func (f *File) ContentType() string { return f.contentType }
func (f *File) Path() string        { return f.path }

func (f *File) Release() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func extension(contentType string) string {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/pcm", "audio/l16":
		return ".pcm"
	default:
		return ".bin"
	}
}
