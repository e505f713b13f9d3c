// Package archive keeps a copy of every issued manufacturer certificate in S3 or in a
// local directory
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/certrotation/core/logger"
)

// Uploader is the part of *manager.Uploader used by the Archive
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archive implements rotation.Archiver
type Archive struct {
	uploader  Uploader
	bucket    string
	keyPrefix string
}

// Builder is a builder helper for the Archive
type Builder struct {
	// Uploader writes the objects. Mandatory unless Config is set.
	Uploader Uploader
	// Config is used to create an S3 uploader if Uploader is nil
	Config *aws.Config
	// Bucket is the S3 bucket. This is mandatory.
	Bucket string
	// KeyPrefix is prepended to all object keys
	KeyPrefix string
}

// New returns a new archive
func New(b *Builder) *Archive {
	if b.Bucket == "" {
		panic("bucket is missing")
	}
	uploader := b.Uploader
	if uploader == nil {
		if b.Config == nil {
			panic("uploader or aws config is missing")
		}
		uploader = manager.NewUploader(s3.NewFromConfig(*b.Config))
	}
	logger.Default().Debugln("certificate archive in bucket", b.Bucket)
	return &Archive{uploader: uploader, bucket: b.Bucket, keyPrefix: b.KeyPrefix}
}

// Key returns the object key of a certificate
func (a *Archive) Key(serialNumber, certID string) string {
	return a.keyPrefix + serialNumber + "/" + certID + ".pem"
}

// ArchiveCertificate implements rotation.Archiver
func (a *Archive) ArchiveCertificate(ctx context.Context, serialNumber, certID, certPEM string) error {
	key := a.Key(serialNumber, certID)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(certPEM),
		ContentType: aws.String("application/x-pem-file"),
		Metadata: map[string]string{
			"serial-number":  serialNumber,
			"certificate-id": certID,
		},
	})
	if err != nil {
		return fmt.Errorf("cannot upload %s to %s: %w", key, a.bucket, err)
	}
	logger.FromContext(ctx).Infof("archived certificate %s as %s", certID, key)
	return nil
}
