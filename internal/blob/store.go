package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a stored file does not exist.
var ErrNotFound = errors.New("blob: file not found")

// FileInfo describes one stored file.
type FileInfo struct {
	RoomID string
	Name   string
	Size   int64
}

// Path returns the storage path "<room>/<name>" recorded on attachments.
func (f FileInfo) Path() string {
	return JoinPath(f.RoomID, f.Name)
}

// Store keeps room files on disk, one directory per room, each file under an
// opaque generated name.
type Store struct {
	rootDir string
}

// NewStore creates a file store rooted at rootDir.
func NewStore(rootDir string) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir}, nil
}

// JoinPath builds a storage path from a room id and a generated name.
func JoinPath(roomID, name string) string {
	return path.Join(roomID, name)
}

// SplitPath is the inverse of JoinPath.
func SplitPath(storagePath string) (roomID, name string, err error) {
	roomID, name, ok := strings.Cut(storagePath, "/")
	if !ok || roomID == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid storage path %q", storagePath)
	}
	return roomID, name, nil
}

// RoomDir returns the room's directory, creating it if absent.
func (s *Store) RoomDir(roomID string) (string, error) {
	if err := validSegment(roomID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.rootDir, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create room directory: %w", err)
	}
	return dir, nil
}

// Put streams r into a new file of the room and returns its info.
func (s *Store) Put(roomID string, r io.Reader) (FileInfo, error) {
	if r == nil {
		return FileInfo{}, fmt.Errorf("blob reader is required")
	}
	dir, err := s.RoomDir(roomID)
	if err != nil {
		return FileInfo{}, err
	}

	tempFile, err := os.CreateTemp(dir, ".blob-write-*")
	if err != nil {
		return FileInfo{}, fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, r)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return FileInfo{}, fmt.Errorf("write blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return FileInfo{}, fmt.Errorf("close blob file: %w", closeErr)
	}

	name := uuid.NewString()
	if err := os.Rename(tempPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tempPath)
		return FileInfo{}, fmt.Errorf("move blob into place: %w", err)
	}

	slog.Debug("blob stored", "room_id", roomID, "name", name, "size", size)
	return FileInfo{RoomID: roomID, Name: name, Size: size}, nil
}

// Open opens a stored file for reading.
func (s *Store) Open(roomID, name string) (*os.File, FileInfo, error) {
	p, err := s.filePath(roomID, name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FileInfo{}, ErrNotFound
		}
		return nil, FileInfo{}, fmt.Errorf("open blob file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("stat blob file: %w", err)
	}
	return f, FileInfo{RoomID: roomID, Name: name, Size: st.Size()}, nil
}

// Size returns the byte size of one stored file.
func (s *Store) Size(roomID, name string) (int64, error) {
	p, err := s.filePath(roomID, name)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat blob file: %w", err)
	}
	return st.Size(), nil
}

// List enumerates the room's stored files in name order. In-flight temp
// files are skipped.
func (s *Store) List(roomID string) ([]FileInfo, error) {
	dir, err := s.RoomDir(roomID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read room directory: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, FileInfo{RoomID: roomID, Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes one stored file.
func (s *Store) Remove(roomID, name string) error {
	p, err := s.filePath(roomID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove blob file: %w", err)
	}
	slog.Debug("blob removed", "room_id", roomID, "name", name)
	return nil
}

// RemovePath deletes the file stored at a "<room>/<name>" path.
func (s *Store) RemovePath(storagePath string) error {
	roomID, name, err := SplitPath(storagePath)
	if err != nil {
		return err
	}
	return s.Remove(roomID, name)
}

// RemoveRoom deletes the room's directory and everything in it.
func (s *Store) RemoveRoom(roomID string) error {
	if err := validSegment(roomID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.rootDir, roomID)); err != nil {
		return fmt.Errorf("remove room directory: %w", err)
	}
	slog.Debug("room directory removed", "room_id", roomID)
	return nil
}

func (s *Store) filePath(roomID, name string) (string, error) {
	if err := validSegment(roomID); err != nil {
		return "", err
	}
	if err := validSegment(name); err != nil {
		return "", err
	}
	return filepath.Join(s.rootDir, roomID, name), nil
}

func validSegment(seg string) error {
	switch {
	case strings.TrimSpace(seg) == "":
		return fmt.Errorf("blob path segment is required")
	case seg == "." || seg == "..", strings.ContainsAny(seg, `/\`):
		return fmt.Errorf("invalid blob path segment %q", seg)
	}
	return nil
}
