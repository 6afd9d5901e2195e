package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Storage keeps uploaded videos on local disk under a single directory.
// Filenames embed the owner id and a uuid so uploads never collide.
type Storage struct {
	dir string
}

func NewStorage(dir string) (*Storage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	return &Storage{dir: dir}, nil
}

func (s *Storage) Save(ownerID, originalName string, r io.Reader) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate upload id: %w", err)
	}

	filename := ownerID + "_" + id.String() + "_" + sanitizeName(originalName)
	out, err := os.Create(filepath.Join(s.dir, filename))
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return filename, nil
}

func (s *Storage) Read(filename string) ([]byte, error) {
	// Base strips any path components a stored filename should never have.
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("read video file: %w", err)
	}

	return data, nil
}

func (s *Storage) Remove(filename string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(filename)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove video file: %w", err)
	}

	return nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeNameChars.ReplaceAllString(name, "-")
	if name == "" || name == "." {
		name = "video.mp4"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}

	return name
}
