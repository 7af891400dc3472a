// Package publish authenticates against the cloud registry and pushes
// the built image.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog/log"

	"caravel/internal/config"
	"caravel/internal/pipeline"
	"caravel/pkg/cmdexec"
	"caravel/pkg/docker"
)

// PushAPI is the slice of the Docker Engine API the publisher needs.
type PushAPI interface {
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// Publisher activates the service-account credential, selects the cloud
// project and pushes both image tags. Registry credentials travel in the
// push request itself; the host's shared docker auth config is never
// written.
type Publisher struct {
	cfg    *config.Config
	runner cmdexec.Runner
	api    PushAPI
	logOut io.Writer
}

func NewPublisher(cfg *config.Config, runner cmdexec.Runner, api PushAPI, logOut io.Writer) *Publisher {
	if logOut == nil {
		logOut = io.Discard
	}
	return &Publisher{cfg: cfg, runner: runner, api: api, logOut: logOut}
}

func (p *Publisher) Name() string { return "publish" }

func (p *Publisher) Completes() pipeline.State { return pipeline.StatePublished }

func (p *Publisher) Execute(ctx context.Context, run *pipeline.Run) error {
	registryAuth, err := p.authenticate(ctx)
	if err != nil {
		return err
	}

	// Commit tag first: the mutable `latest` alias only moves once the
	// content-addressed tag exists remotely, so rollback by commit tag
	// stays possible.
	refs := []string{run.ImageRef}
	if run.CommitImageRef != "" {
		refs = []string{run.CommitImageRef, run.ImageRef}
	}

	for _, ref := range refs {
		if err := p.push(ctx, ref, registryAuth); err != nil {
			return err
		}
	}

	log.Info().
		Str("run_id", run.ID).
		Str("image", run.ImageRef).
		Str("commit", run.ShortCommit()).
		Msg("Image published")

	return nil
}

// authenticate activates the injected service-account key, selects the
// target project and mints a short-lived access token for the push.
func (p *Publisher) authenticate(ctx context.Context) (string, error) {
	if p.cfg.Registry.KeyFile == "" {
		return "", &pipeline.AuthError{Err: fmt.Errorf("no service-account key file configured (registry.key_file or GOOGLE_APPLICATION_CREDENTIALS)")}
	}

	gcloud := p.cfg.Registry.GcloudPath

	out, err := p.runner.Run(ctx, cmdexec.Command{
		Name: gcloud,
		Args: []string{"auth", "activate-service-account", "--key-file", p.cfg.Registry.KeyFile},
	})
	if err != nil {
		return "", &pipeline.AuthError{Output: string(out), Err: err}
	}

	out, err = p.runner.Run(ctx, cmdexec.Command{
		Name: gcloud,
		Args: []string{"config", "set", "project", p.cfg.Registry.Project},
	})
	if err != nil {
		return "", &pipeline.AuthError{Output: string(out), Err: err}
	}

	out, err = p.runner.Run(ctx, cmdexec.Command{
		Name: gcloud,
		Args: []string{"auth", "print-access-token"},
	})
	if err != nil {
		return "", &pipeline.AuthError{Output: string(out), Err: err}
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", &pipeline.AuthError{Err: fmt.Errorf("cloud CLI returned an empty access token")}
	}

	registryAuth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      "oauth2accesstoken",
		Password:      token,
		ServerAddress: p.cfg.Registry.Host,
	})
	if err != nil {
		return "", &pipeline.AuthError{Err: fmt.Errorf("failed to encode registry auth: %w", err)}
	}

	log.Debug().Str("project", p.cfg.Registry.Project).Msg("Cloud credential activated")
	return registryAuth, nil
}

func (p *Publisher) push(ctx context.Context, ref, registryAuth string) error {
	log.Info().Str("image", ref).Msg("Pushing image")

	body, err := p.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		return &pipeline.PushError{Err: fmt.Errorf("push of %s rejected: %w", ref, err)}
	}
	defer body.Close()

	var captured bytes.Buffer
	if err := docker.DrainStream(body, io.MultiWriter(p.logOut, &captured)); err != nil {
		return &pipeline.PushError{Output: captured.String(), Err: fmt.Errorf("push of %s failed: %w", ref, err)}
	}

	return nil
}
