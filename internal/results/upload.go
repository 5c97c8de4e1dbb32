package results

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// Uploader publishes a saved artifact.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// blobClient is the part of [*azblob.Client] BlobUploader uses.
type blobClient interface {
	UploadBuffer(ctx context.Context, containerName string, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// BlobUploader uploads artifacts to an Azure Storage container.
type BlobUploader struct {
	client    blobClient
	container string
	prefix    string
}

// NewBlobUploader connects to the storage account at accountURL. A nil cred
// uses azidentity.DefaultAzureCredential (environment, managed identity,
// Azure CLI login).
func NewBlobUploader(accountURL, container, prefix string, cred azcore.TokenCredential) (*BlobUploader, error) {
	if accountURL == "" {
		return nil, fmt.Errorf("storage account URL is required")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}

	if cred == nil {
		defaultCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure credential: %w", err)
		}
		cred = defaultCred
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client for %s: %w", accountURL, err)
	}

	return &BlobUploader{client: client, container: container, prefix: prefix}, nil
}

func (u *BlobUploader) Upload(ctx context.Context, name string, data []byte) error {
	blobName := name
	if u.prefix != "" {
		blobName = u.prefix + "/" + name
	}

	if _, err := u.client.UploadBuffer(ctx, u.container, blobName, data, nil); err != nil {
		return fmt.Errorf("uploading %s to container %s: %w", blobName, u.container, err)
	}

	slog.Debug("uploaded experiment", "container", u.container, "blob", blobName, "bytes", len(data))
	return nil
}

// UploadFile uploads the file at path under its base name.
func UploadFile(ctx context.Context, u Uploader, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return u.Upload(ctx, filepath.Base(path), data)
}
