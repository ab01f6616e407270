package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/FumingPower3925/wharf/internal/security"
)

// ErrNotFound is returned when a requested file does not exist or is not a
// regular file.
var ErrNotFound = errors.New("resource not found")

// Store is the filesystem collaborator used by the handlers.
type Store interface {
	// Stat reports whether urlPath names a regular file under the document
	// root, without reading it.
	Stat(urlPath string) (fs.FileInfo, error)
	// ReadFile returns the raw bytes of the file at urlPath under the
	// document root.
	ReadFile(urlPath string) ([]byte, error)
	// WriteUpload creates name in the uploads directory. It must fail rather
	// than overwrite an existing file.
	WriteUpload(name string, data []byte) error
	// UploadURL returns the URL path under which an upload is served.
	UploadURL(name string) string
}

// DiskStore serves a document root from the local filesystem.
type DiskStore struct {
	root       string
	uploads    string
	uploadsURL string
}

// NewDiskStore opens root and its uploads subdirectory. Both must already
// exist; uploads is a slash-separated path relative to root.
func NewDiskStore(root, uploads string) (*DiskStore, error) {
	canonical, err := security.CanonicalRoot(root)
	if err != nil {
		return nil, fmt.Errorf("document root %q: %w", root, err)
	}
	if err := isDir(canonical); err != nil {
		return nil, fmt.Errorf("document root %q: %w", root, err)
	}

	rel := path.Clean("/" + uploads)
	if rel == "/" {
		return nil, fmt.Errorf("uploads directory must be a subdirectory of the document root")
	}
	dir, err := security.Resolve(canonical, rel)
	if err != nil {
		return nil, fmt.Errorf("uploads directory %q: %w", uploads, err)
	}
	if err := isDir(dir); err != nil {
		return nil, fmt.Errorf("uploads directory %q: %w", uploads, err)
	}

	return &DiskStore{root: canonical, uploads: dir, uploadsURL: rel}, nil
}

// Root returns the canonical document root.
func (d *DiskStore) Root() string { return d.root }

// Stat resolves urlPath inside the root and checks it is a regular file.
func (d *DiskStore) Stat(urlPath string) (fs.FileInfo, error) {
	_, info, err := d.lookup(urlPath)
	return info, err
}

// ReadFile resolves urlPath inside the root and reads it as raw bytes.
func (d *DiskStore) ReadFile(urlPath string) ([]byte, error) {
	p, _, err := d.lookup(urlPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d *DiskStore) lookup(urlPath string) (string, fs.FileInfo, error) {
	p, err := security.Resolve(d.root, urlPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, urlPath)
		}
		return "", nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, urlPath)
	}
	return p, info, nil
}

// WriteUpload writes data to a new file in the uploads directory.
func (d *DiskStore) WriteUpload(name string, data []byte) (err error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("invalid upload name %q", name)
	}
	p := filepath.Join(d.uploads, name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(p)
		}
	}()
	_, err = f.Write(data)
	return err
}

// UploadURL returns the URL path of an uploaded file.
func (d *DiskStore) UploadURL(name string) string {
	return path.Join(d.uploadsURL, name)
}

func isDir(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p)
	}
	return nil
}
