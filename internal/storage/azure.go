package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureStore is the Azure Blob implementation of the pipeline blob store.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore builds a store from a connection string. The shared key in
// the connection string is also what signs the SAS URLs.
func NewAzureStore(connectionString, container string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %v", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

// EnsureContainer creates the staging container if it does not exist yet.
func (s *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return err
}

// Upload stores the local file under blobName, overwriting any prior object
// of the same name so retries are idempotent.
func (s *AzureStore) Upload(ctx context.Context, blobName, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.client.UploadFile(ctx, s.container, blobName, f, nil)
	return err
}

// SignedURL generates a read-only SAS URL for blobName valid until expiry.
func (s *AzureStore) SignedURL(blobName string, expiry time.Time) (string, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName)
	return blobClient.GetSASURL(sas.BlobPermissions{Read: true}, expiry, nil)
}
