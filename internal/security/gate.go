// Package security implements the request checks that run before routing:
// Host header validation and document-root confinement.
package security

import (
	"errors"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/FumingPower3925/wharf/internal/h1"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrMissingHost is returned when a request carries no (or an empty) Host header.
	ErrMissingHost = errors.New("missing Host header")
	// ErrHostMismatch is returned when the Host header names another server.
	ErrHostMismatch = errors.New("host header does not match server")
	// ErrTraversal is returned when a path would leave the document root.
	ErrTraversal = errors.New("path escapes document root")
)

// Identity is the host and port this server advertises. It is fixed at start.
type Identity struct {
	Host string
	Port int
}

// Authority returns the host:port form expected in Host headers.
func (id Identity) Authority() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// Gate validates requests against the server identity.
type Gate struct {
	authority string
}

// NewGate creates a gate for the given identity.
func NewGate(id Identity) *Gate {
	return &Gate{authority: id.Authority()}
}

// Check runs every pre-routing check in order: Host first, then the
// traversal check for GET requests. It never touches the filesystem.
func (g *Gate) Check(req *h1.Request) error {
	if err := g.CheckHost(req); err != nil {
		return err
	}
	if req.Method == "GET" {
		return CheckPath(req.Path)
	}
	return nil
}

// CheckHost verifies the Host header is present and names this server.
func (g *Gate) CheckHost(req *h1.Request) error {
	host := req.Header("Host")
	if host == "" {
		return ErrMissingHost
	}
	if !httpguts.ValidHostHeader(host) || !strings.EqualFold(host, g.authority) {
		return fmt.Errorf("%w: got %q, want %q", ErrHostMismatch, host, g.authority)
	}
	return nil
}

// CheckPath rejects any decoded request path containing "..".
func CheckPath(p string) error {
	if strings.Contains(p, "..") {
		return fmt.Errorf("%w: %q", ErrTraversal, p)
	}
	return nil
}

// Status maps a gate error to its response status, or 0 for nil.
func Status(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrMissingHost):
		return 400
	default:
		return 403
	}
}

// Resolve maps a URL path to a file under root, which must already be an
// absolute, symlink-free path. The result stays inside root both lexically
// and after symlink evaluation. Errors from the filesystem (for example
// fs.ErrNotExist) are returned unwrapped for the caller to classify.
func Resolve(root, urlPath string) (string, error) {
	if err := CheckPath(urlPath); err != nil {
		return "", err
	}
	clean := path.Clean("/" + urlPath)
	full := filepath.Join(root, filepath.FromSlash(clean))
	if !within(root, full) {
		return "", fmt.Errorf("%w: %q", ErrTraversal, urlPath)
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %q resolves outside root", ErrTraversal, urlPath)
	}
	return resolved, nil
}

// CanonicalRoot returns the absolute, symlink-free form of dir.
func CanonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
