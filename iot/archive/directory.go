package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/certrotation/core/logger"
)

// Directory implements rotation.Archiver in a local directory. Certificates are stored
// as {serial_number}/{cert_id}.pem.
type Directory struct {
	BaseFolder string
}

// Path returns the file path of a certificate
func (d *Directory) Path(serialNumber, certID string) (string, error) {
	for _, part := range []string{serialNumber, certID} {
		if part == "" || strings.Contains(part, "..") || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid archive key %q", part)
		}
	}
	return filepath.Join(d.BaseFolder, serialNumber, certID+".pem"), nil
}

// ArchiveCertificate implements rotation.Archiver
func (d *Directory) ArchiveCertificate(ctx context.Context, serialNumber, certID, certPEM string) error {
	path, err := d.Path(serialNumber, certID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(certPEM), 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	logger.FromContext(ctx).Infof("archived certificate %s as %s", certID, path)
	return nil
}
