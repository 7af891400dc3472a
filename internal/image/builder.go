// Package image builds the model container image from the fetched
// working tree. The training pipeline runs inside the Dockerfile; from
// here it is opaque build instructions.
package image

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/rs/zerolog/log"

	"caravel/internal/config"
	"caravel/internal/pipeline"
	"caravel/pkg/docker"
)

// BuildAPI is the slice of the Docker Engine API the builder needs.
type BuildAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// Builder produces a locally tagged image; it never publishes. A failed
// build (including a failed embedded training step) tags nothing.
type Builder struct {
	cfg    *config.Config
	api    BuildAPI
	logOut io.Writer
}

func NewBuilder(cfg *config.Config, api BuildAPI, logOut io.Writer) *Builder {
	if logOut == nil {
		logOut = io.Discard
	}
	return &Builder{cfg: cfg, api: api, logOut: logOut}
}

func (b *Builder) Name() string { return "imagebuild" }

func (b *Builder) Completes() pipeline.State { return pipeline.StateImageBuilt }

func (b *Builder) Execute(ctx context.Context, run *pipeline.Run) error {
	worktree := b.cfg.WorktreeDir()

	buildCtx, err := archive.TarWithOptions(worktree, &archive.TarOptions{})
	if err != nil {
		return &pipeline.BuildError{Err: err}
	}
	defer buildCtx.Close()

	tags := []string{run.ImageRef}
	if run.CommitImageRef != "" {
		// Commit tag first; the fixed tag is the mutable alias.
		tags = []string{run.CommitImageRef, run.ImageRef}
	}

	log.Info().
		Str("run_id", run.ID).
		Strs("tags", tags).
		Str("dockerfile", b.cfg.Image.Dockerfile).
		Msg("Building image (training runs inside the build)")

	resp, err := b.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  b.cfg.Image.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			"org.opencontainers.image.revision": run.Commit,
		},
	})
	if err != nil {
		return &pipeline.BuildError{Err: err}
	}
	defer resp.Body.Close()

	var captured bytes.Buffer
	if err := docker.DrainStream(resp.Body, io.MultiWriter(b.logOut, &captured)); err != nil {
		return &pipeline.BuildError{Output: tail(captured.String(), 8192), Err: err}
	}

	log.Info().Str("run_id", run.ID).Str("image", run.ImageRef).Msg("Image built")
	return nil
}

// tail keeps the last n bytes of tool output for the error message; the
// full stream is already in the run log.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
