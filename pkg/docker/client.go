// Package docker wraps the pieces of the Docker Engine API the pipeline
// uses: client construction and build/push stream handling.
package docker

import (
	"fmt"

	"github.com/docker/docker/client"
)

// NewEngineClient creates a Docker API client from the environment
// (DOCKER_HOST et al), negotiating the API version with the daemon.
func NewEngineClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}
