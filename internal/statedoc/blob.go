package statedoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog"
)

// ErrBlobNotFound is returned by Read before the first Write.
var ErrBlobNotFound = errors.New("statedoc: blob not found")

// Blob stores one opaque document.
type Blob interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// FileBlob keeps the document in a local file. Writes go through a temp
// file and a rename so a crash never leaves a half-written document.
type FileBlob struct {
	path string
}

func NewFileBlob(path string) *FileBlob {
	return &FileBlob{path: path}
}

func (f *FileBlob) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

func (f *FileBlob) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// AzureBlob keeps the document in an Azure Storage container, authenticated
// with the default credential chain (managed identity, CLI, env).
type AzureBlob struct {
	client    *azblob.Client
	container string
	name      string
	logger    zerolog.Logger
}

// NewAzureBlob connects to accountURL and makes sure the container exists.
func NewAzureBlob(ctx context.Context, accountURL, container, name string, logger zerolog.Logger) (*AzureBlob, error) {
	if accountURL == "" {
		return nil, fmt.Errorf("storage account url is required")
	}
	if container == "" || name == "" {
		return nil, fmt.Errorf("container and blob name are required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}

	b := &AzureBlob{
		client:    client,
		container: container,
		name:      name,
		logger:    logger.With().Str("component", "statedoc").Str("container", container).Logger(),
	}
	if err := b.ensureContainer(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AzureBlob) ensureContainer(ctx context.Context) error {
	_, err := b.client.CreateContainer(ctx, b.container, nil)
	switch {
	case err == nil:
		b.logger.Info().Msg("created state container")
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		b.logger.Debug().Msg("state container already exists")
	default:
		return fmt.Errorf("create container %s: %w", b.container, err)
	}
	return nil
}

func (b *AzureBlob) Read(ctx context.Context) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("download blob %s: %w", b.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", b.name, err)
	}
	return data, nil
}

func (b *AzureBlob) Write(ctx context.Context, data []byte) error {
	if _, err := b.client.UploadBuffer(ctx, b.container, b.name, data, nil); err != nil {
		return fmt.Errorf("upload blob %s: %w", b.name, err)
	}
	return nil
}

var (
	_ Blob = (*FileBlob)(nil)
	_ Blob = (*AzureBlob)(nil)
)
