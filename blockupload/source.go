package blockupload

import (
	"fmt"
	"io"
	"os"
)

// Source provides the bytes of the object being uploaded.
// ReadBlock is called concurrently from block workers.
type Source interface {
	// Size returns the total size of the source in bytes.
	Size() int64

	// ReadBlock returns the exact bytes of the given block.
	// The data is held in memory so that the local checksum and the request body see the same bytes.
	ReadBlock(b Block) ([]byte, error)
}

// FileSource reads blocks from a file on disk.
// Safe for parallel block reads.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens path for reading blocks.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// ReadBlock ...
func (s *FileSource) ReadBlock(b Block) ([]byte, error) {
	data := make([]byte, b.Size)
	n, err := io.ReadFull(io.NewSectionReader(s.file, b.Offset, b.Size), data)
	if err != nil {
		return nil, fmt.Errorf("read block %d at offset %d: %w", b.Index+1, b.Offset, err)
	}
	if int64(n) != b.Size {
		return nil, fmt.Errorf("short read of block %d: expected %d bytes, got %d", b.Index+1, b.Size, n)
	}

	return data, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides blocks from an in-memory buffer.
type BytesSource struct {
	data []byte
}

// NewBytesSource ...
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// Size ...
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// ReadBlock ...
func (s *BytesSource) ReadBlock(b Block) ([]byte, error) {
	end := b.Offset + b.Size
	if b.Offset < 0 || end > int64(len(s.data)) {
		return nil, fmt.Errorf("block %d range [%d, %d) out of bounds [0, %d)", b.Index+1, b.Offset, end, len(s.data))
	}

	chunk := make([]byte, b.Size)
	copy(chunk, s.data[b.Offset:end])
	return chunk, nil
}
