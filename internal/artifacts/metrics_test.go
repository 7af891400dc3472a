package artifacts

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainerAPI struct {
	createdImage string
	createErr    error

	copiedPath string
	copyStream []byte
	copyErr    error

	removedID    string
	removedForce bool
}

func (f *fakeContainerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.createdImage = config.Image
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "extract-1"}, nil
}

func (f *fakeContainerAPI) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error) {
	f.copiedPath = srcPath
	if f.copyErr != nil {
		return nil, container.PathStat{}, f.copyErr
	}
	return io.NopCloser(bytes.NewReader(f.copyStream)), container.PathStat{}, nil
}

func (f *fakeContainerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removedID = containerID
	f.removedForce = options.Force
	return nil
}

func tarWithFile(t *testing.T, name string, content []byte) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractImageFile_WritesFileFromImage(t *testing.T) {
	metrics := []byte(`{"accuracy": 0.91, "recall": 0.88}`)
	api := &fakeContainerAPI{copyStream: tarWithFile(t, "metrics.json", metrics)}
	dest := filepath.Join(t.TempDir(), "metrics.json")

	err := ExtractImageFile(context.Background(), api,
		"gcr.io/acme-ml/ml-project:0123456789ab", "artifacts/metrics.json", dest)
	require.NoError(t, err)

	assert.Equal(t, "gcr.io/acme-ml/ml-project:0123456789ab", api.createdImage)
	assert.Equal(t, "artifacts/metrics.json", api.copiedPath)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, metrics, got)
}

func TestExtractImageFile_RemovesContainerEvenOnCopyFailure(t *testing.T) {
	api := &fakeContainerAPI{copyErr: errors.New("no such file or directory")}
	dest := filepath.Join(t.TempDir(), "metrics.json")

	err := ExtractImageFile(context.Background(), api, "gcr.io/acme-ml/ml-project:latest", "artifacts/metrics.json", dest)
	require.Error(t, err)

	assert.Equal(t, "extract-1", api.removedID)
	assert.True(t, api.removedForce)
	assert.NoFileExists(t, dest)
}

func TestExtractImageFile_CreateFailure(t *testing.T) {
	api := &fakeContainerAPI{createErr: errors.New("No such image")}

	err := ExtractImageFile(context.Background(), api, "gcr.io/acme-ml/ml-project:latest", "artifacts/metrics.json", t.TempDir()+"/m.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction container")
	assert.Empty(t, api.removedID)
}

func TestExtractImageFile_EmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.Close())

	api := &fakeContainerAPI{copyStream: buf.Bytes()}

	err := ExtractImageFile(context.Background(), api, "gcr.io/acme-ml/ml-project:latest", "artifacts/metrics.json", t.TempDir()+"/m.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExtractImageFile_SkipsDirectoryEntries(t *testing.T) {
	metrics := []byte(`{"f1": 0.9}`)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "artifacts/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "artifacts/metrics.json",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(metrics)),
	}))
	_, err := tw.Write(metrics)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	api := &fakeContainerAPI{copyStream: buf.Bytes()}
	dest := filepath.Join(t.TempDir(), "metrics.json")

	require.NoError(t, ExtractImageFile(context.Background(), api, "gcr.io/acme-ml/ml-project:latest", "artifacts", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, metrics, got)
}
