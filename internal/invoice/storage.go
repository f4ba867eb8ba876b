package invoice

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage defines the interface for source document storage
type Storage interface {
	// Save saves a file and returns the path/filename
	Save(filename string, data []byte) (string, error)

	// Get retrieves a file by path
	Get(path string) ([]byte, error)

	// Delete removes a file
	Delete(path string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filepath.Base(filename), nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.Base(path)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(path string) error {
	if err := os.Remove(filepath.Join(l.basePath, filepath.Base(path))); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// Area is a named archive folder
type Area string

const (
	AreaSuccess  Area = "success"
	AreaError    Area = "error"
	AreaRejected Area = "rejected"
)

const timestampPrefix = "20060102_150405_"

// maxArchiveAttempts bounds the counter suffix of colliding archive names
const maxArchiveAttempts = 1000

// Archive files source documents into the success, error and rejected
// folders. A name already taken in a folder gets a YYYYMMDD_HHMMSS_ prefix.
type Archive struct {
	folders map[Area]string
	now     func() time.Time
}

func NewArchive(cfg Config) *Archive {
	return NewArchiveWithClock(cfg, time.Now)
}

func NewArchiveWithClock(cfg Config, now func() time.Time) *Archive {
	return &Archive{
		folders: map[Area]string{
			AreaSuccess:  cfg.SuccessFolder,
			AreaError:    cfg.ErrorFolder,
			AreaRejected: cfg.RejectedFolder,
		},
		now: now,
	}
}

// claim creates a new file in area for name without ever replacing an
// existing one: the plain name first, then the timestamped name, then the
// timestamped name with a counter.
func (a *Archive) claim(area Area, name string) (*os.File, string, error) {
	dir := a.folders[area]
	if dir == "" {
		return nil, "", fmt.Errorf("%s folder not configured", area)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating %s folder: %w", area, err)
	}

	name = filepath.Base(name)
	stamped := a.now().Format(timestampPrefix) + name
	ext := filepath.Ext(stamped)
	for i := 0; ; i++ {
		candidate := name
		switch {
		case i == 1:
			candidate = stamped
		case i > 1:
			candidate = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(stamped, ext), i-1, ext)
		}
		dest := filepath.Join(dir, candidate)
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, dest, nil
		}
		if !errors.Is(err, fs.ErrExist) || i >= maxArchiveAttempts {
			return nil, "", fmt.Errorf("creating %s: %w", dest, err)
		}
	}
}

// Store writes data into area under name and returns the final path
func (a *Archive) Store(area Area, name string, data []byte) (string, error) {
	f, dest, err := a.claim(area, name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", dest, err)
	}
	return dest, nil
}

// Move relocates the file at src into area and returns the final path
func (a *Archive) Move(area Area, src string) (string, error) {
	f, dest, err := a.claim(area, src)
	if err != nil {
		return "", err
	}
	f.Close()
	if err := os.Rename(src, dest); err == nil {
		return dest, nil
	}

	// rename fails across filesystems
	if err := copyFile(src, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("removing %s: %w", src, err)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying to %s: %w", dest, err)
	}
	return out.Close()
}
