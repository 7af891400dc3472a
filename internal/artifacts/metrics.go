package artifacts

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// ContainerAPI is the slice of the Docker Engine API needed to read a
// file out of an image's filesystem.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ExtractImageFile copies srcPath out of the image's filesystem into
// destPath on the host. The training metrics materialize in the image's
// layers, not the host worktree, so archiving them means reading them
// back out of the built image. The container is created but never
// started; it exists only to expose the filesystem.
func ExtractImageFile(ctx context.Context, api ContainerAPI, imageRef, srcPath, destPath string) error {
	resp, err := api.ContainerCreate(ctx, &container.Config{Image: imageRef}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create extraction container from %s: %w", imageRef, err)
	}
	defer func() {
		if err := api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("container_id", resp.ID).Msg("Failed to remove extraction container")
		}
	}()

	stream, _, err := api.CopyFromContainer(ctx, resp.ID, srcPath)
	if err != nil {
		return fmt.Errorf("failed to copy %s from %s: %w", srcPath, imageRef, err)
	}
	defer stream.Close()

	// The engine wraps the copied path in a tar archive.
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found in %s", srcPath, imageRef)
		}
		if err != nil {
			return fmt.Errorf("failed to read archive of %s: %w", srcPath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", destPath, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return out.Close()
	}
}
