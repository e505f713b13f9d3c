package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/iot/archive"
)

func TestDirectory(t *testing.T) {
	d := &archive.Directory{BaseFolder: t.TempDir()}

	require.NoError(t, d.ArchiveCertificate(context.Background(), "SN-1", "abc", "-----BEGIN CERTIFICATE-----"))
	data, err := os.ReadFile(filepath.Join(d.BaseFolder, "SN-1", "abc.pem"))
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", string(data))

	assert.Error(t, d.ArchiveCertificate(context.Background(), "..", "abc", "pem"))
	assert.Error(t, d.ArchiveCertificate(context.Background(), "SN-1", "a/b", "pem"))
	assert.Error(t, d.ArchiveCertificate(context.Background(), "SN-1", "", "pem"))
}
