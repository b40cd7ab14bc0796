package wameow

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/internal/session"
)

// FileCredentialStore maps tenants to per-tenant credential
// directories under root. Purging a tenant removes its directory,
// which is what forces a fresh QR pairing on the next dial.
type FileCredentialStore struct {
	root string
}

var _ session.CredentialStore = (*FileCredentialStore)(nil)

func NewFileCredentialStore(root string) *FileCredentialStore {
	return &FileCredentialStore{root: root}
}

func (s *FileCredentialStore) Purge(tenantID string) error {
	if tenantID == "" {
		return errors.New("empty tenant id")
	}
	dir := filepath.Join(s.root, tenantID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "purge credentials for %s", tenantID)
	}
	zap.L().Info("wameow: credentials purged", zap.String("tenant", tenantID))
	return nil
}

func (s *FileCredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list credential store")
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}
