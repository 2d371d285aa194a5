package portal

import (
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the migration files for this package
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// DiskFileStore stores resource files on the local filesystem and serves
// them under a public URL prefix.
type DiskFileStore struct {
	root      string
	urlPrefix string
}

// NewDiskFileStore creates a store rooted at dir. Files are exposed under
// urlPrefix (e.g. "/files").
func NewDiskFileStore(dir, urlPrefix string) *DiskFileStore {
	if urlPrefix == "" {
		urlPrefix = "/files"
	}
	return &DiskFileStore{
		root:      dir,
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
	}
}

// Upload writes the file under the store root. The key's directory segments
// are created as needed.
func (s *DiskFileStore) Upload(ctx context.Context, key string, contentType string, body io.Reader) error {
	clean, err := s.cleanKey(key)
	if err != nil {
		return err
	}

	target := filepath.Join(s.root, filepath.FromSlash(clean))

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "creating storage directory")
	}

	f, err := os.Create(target)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "creating storage file")
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "writing storage file")
	}

	return nil
}

// PublicURL returns the serving path for a stored key.
func (s *DiskFileStore) PublicURL(key string) string {
	clean, err := s.cleanKey(key)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/%s", s.urlPrefix, clean)
}

// cleanKey rejects traversal attempts and normalizes separators.
func (s *DiskFileStore) cleanKey(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.Contains(clean, "..") {
		return "", goerrors.New("invalid storage key", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"key": key})
	}
	return clean, nil
}
