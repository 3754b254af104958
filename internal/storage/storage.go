package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/seedbit/swarm/internal/shared/models"
)

// Storage persists verified torrent data and serves it back for uploads.
// Offsets are piece-relative; multi-file layouts are handled internally.
type Storage interface {
	WriteBlock(piece, offset int, data []byte) error
	ReadBlock(piece, offset, length int) ([]byte, error)
	Close() error
}

var ErrOutOfBounds = errors.New("storage: read or write beyond torrent length")

// span is one output file positioned within the torrent's flat byte space.
type span struct {
	file   *os.File
	begin  int
	length int
}

type fileStorage struct {
	mu          sync.Mutex
	pieceLength int
	totalLength int
	spans       []span
}

// NewFileStorage creates (or opens) the torrent's files under outputDir and
// maps them into the flat byte space pieces are addressed in.
func NewFileStorage(meta models.Metafile, outputDir string) (Storage, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	fs := &fileStorage{
		pieceLength: meta.Info.PieceLength,
		totalLength: meta.TotalLength(),
	}

	offset := 0
	for _, f := range meta.Info.Files {
		parts := append([]string{outputDir}, f.Path...)
		path := filepath.Join(parts...)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fs.Close()
			return nil, err
		}

		file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			fs.Close()
			return nil, err
		}

		fs.spans = append(fs.spans, span{file: file, begin: offset, length: f.Length})
		offset += f.Length
	}

	return fs, nil
}

func (fs *fileStorage) WriteBlock(piece, offset int, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := piece*fs.pieceLength + offset
	if abs < 0 || abs+len(data) > fs.totalLength {
		return fmt.Errorf("%w: write at %d of %d bytes", ErrOutOfBounds, abs, len(data))
	}

	for _, s := range fs.spans {
		if len(data) == 0 {
			break
		}
		if abs >= s.begin+s.length || abs+len(data) <= s.begin {
			continue
		}

		localOffset := abs - s.begin
		chunk := min(len(data), s.length-localOffset)
		if _, err := s.file.WriteAt(data[:chunk], int64(localOffset)); err != nil {
			return err
		}
		data = data[chunk:]
		abs += chunk
	}

	return nil
}

func (fs *fileStorage) ReadBlock(piece, offset, length int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := piece*fs.pieceLength + offset
	if abs < 0 || abs+length > fs.totalLength {
		return nil, fmt.Errorf("%w: read at %d of %d bytes", ErrOutOfBounds, abs, length)
	}

	result := make([]byte, 0, length)
	for _, s := range fs.spans {
		if length == 0 {
			break
		}
		if abs >= s.begin+s.length || abs+length <= s.begin {
			continue
		}

		localOffset := abs - s.begin
		chunk := min(length, s.length-localOffset)
		buf := make([]byte, chunk)
		if _, err := s.file.ReadAt(buf, int64(localOffset)); err != nil {
			return nil, err
		}
		result = append(result, buf...)
		length -= chunk
		abs += chunk
	}

	return result, nil
}

func (fs *fileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	for _, s := range fs.spans {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fs.spans = nil
	return firstErr
}
