package publish

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caravel/internal/config"
	"caravel/internal/pipeline"
	"caravel/pkg/cmdexec"
)

type fakeRunner struct {
	commands []cmdexec.Command
	outputs  [][]byte
	errs     []error
}

func (r *fakeRunner) Run(ctx context.Context, cmd cmdexec.Command) ([]byte, error) {
	i := len(r.commands)
	r.commands = append(r.commands, cmd)

	var out []byte
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return out, err
}

type pushCall struct {
	ref  string
	auth string
}

type fakePushAPI struct {
	calls   []pushCall
	streams map[string]string
	errs    map[string]error
}

func (f *fakePushAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.calls = append(f.calls, pushCall{ref: ref, auth: options.RegistryAuth})
	if err := f.errs[ref]; err != nil {
		return nil, err
	}
	stream := f.streams[ref]
	if stream == "" {
		stream = `{"status":"latest: digest: sha256:deadbeef size: 1234"}` + "\n"
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Image: config.ImageConfig{Name: "ml-project", Tag: "latest"},
		Registry: config.RegistryConfig{
			Host:       "gcr.io",
			Project:    "acme-ml",
			GcloudPath: "gcloud",
			KeyFile:    "/secrets/sa.json",
		},
	}
}

func authRunner() *fakeRunner {
	return &fakeRunner{
		outputs: [][]byte{
			[]byte("Activated service account credentials\n"),
			[]byte("Updated property [core/project].\n"),
			[]byte("ya29.test-token\n"),
		},
	}
}

func testRun(cfg *config.Config) *pipeline.Run {
	run := pipeline.NewRun("main")
	run.Commit = "0123456789abcdef0123456789abcdef01234567"
	run.ImageRef = cfg.ImageRef()
	run.CommitImageRef = cfg.CommitImageRef(run.Commit)
	return run
}

func TestPublisher_Execute_PushesCommitTagThenFixedTag(t *testing.T) {
	cfg := testConfig(t)
	runner := authRunner()
	api := &fakePushAPI{}

	p := NewPublisher(cfg, runner, api, nil)
	require.NoError(t, p.Execute(context.Background(), testRun(cfg)))

	require.Len(t, api.calls, 2)
	assert.Equal(t, "gcr.io/acme-ml/ml-project:0123456789ab", api.calls[0].ref)
	assert.Equal(t, "gcr.io/acme-ml/ml-project:latest", api.calls[1].ref)
}

func TestPublisher_Execute_AuthTravelsInPushRequest(t *testing.T) {
	cfg := testConfig(t)
	api := &fakePushAPI{}

	p := NewPublisher(cfg, authRunner(), api, nil)
	require.NoError(t, p.Execute(context.Background(), testRun(cfg)))
	require.Len(t, api.calls, 2)

	auth, err := registry.DecodeAuthConfig(api.calls[0].auth)
	require.NoError(t, err)
	assert.Equal(t, "oauth2accesstoken", auth.Username)
	assert.Equal(t, "ya29.test-token", auth.Password)
	assert.Equal(t, "gcr.io", auth.ServerAddress)
}

func TestPublisher_Execute_GcloudInvocations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.GcloudPath = "/opt/gcloud/bin/gcloud"
	runner := authRunner()

	p := NewPublisher(cfg, runner, &fakePushAPI{}, nil)
	require.NoError(t, p.Execute(context.Background(), testRun(cfg)))
	require.Len(t, runner.commands, 3)

	assert.Equal(t, "/opt/gcloud/bin/gcloud", runner.commands[0].Name)
	assert.Equal(t, []string{"auth", "activate-service-account", "--key-file", "/secrets/sa.json"}, runner.commands[0].Args)
	assert.Equal(t, []string{"config", "set", "project", "acme-ml"}, runner.commands[1].Args)
	assert.Equal(t, []string{"auth", "print-access-token"}, runner.commands[2].Args)
}

func TestPublisher_Execute_MissingKeyFileIsAuthError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.KeyFile = ""
	runner := &fakeRunner{}
	api := &fakePushAPI{}

	p := NewPublisher(cfg, runner, api, nil)
	err := p.Execute(context.Background(), testRun(cfg))
	require.Error(t, err)

	var authErr *pipeline.AuthError
	require.True(t, errors.As(err, &authErr))

	// Nothing runs and nothing is pushed without a credential.
	assert.Empty(t, runner.commands)
	assert.Empty(t, api.calls)
}

func TestPublisher_Execute_ActivationFailureIsAuthError(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{
		outputs: [][]byte{[]byte("ERROR: (gcloud.auth.activate-service-account) Invalid key file\n")},
		errs:    []error{errors.New("exit status 1")},
	}
	api := &fakePushAPI{}

	p := NewPublisher(cfg, runner, api, nil)
	err := p.Execute(context.Background(), testRun(cfg))

	var authErr *pipeline.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Output, "Invalid key file")
	assert.Empty(t, api.calls)
}

func TestPublisher_Execute_EmptyTokenIsAuthError(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{
		outputs: [][]byte{nil, nil, []byte("\n")},
	}

	p := NewPublisher(cfg, runner, &fakePushAPI{}, nil)
	err := p.Execute(context.Background(), testRun(cfg))

	var authErr *pipeline.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, err.Error(), "empty access token")
}

func TestPublisher_Execute_RejectedPushIsPushError(t *testing.T) {
	cfg := testConfig(t)
	api := &fakePushAPI{
		errs: map[string]error{
			"gcr.io/acme-ml/ml-project:0123456789ab": errors.New("denied: permission denied"),
		},
	}

	p := NewPublisher(cfg, authRunner(), api, nil)
	err := p.Execute(context.Background(), testRun(cfg))
	require.Error(t, err)

	var pushErr *pipeline.PushError
	require.True(t, errors.As(err, &pushErr))

	// The fixed tag is never pushed after the commit tag fails.
	assert.Len(t, api.calls, 1)
}

func TestPublisher_Execute_StreamErrorIsPushError(t *testing.T) {
	cfg := testConfig(t)
	api := &fakePushAPI{
		streams: map[string]string{
			"gcr.io/acme-ml/ml-project:0123456789ab": `{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}` + "\n",
		},
	}

	p := NewPublisher(cfg, authRunner(), api, nil)
	err := p.Execute(context.Background(), testRun(cfg))

	var pushErr *pipeline.PushError
	require.True(t, errors.As(err, &pushErr))
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Len(t, api.calls, 1)
}

func TestPublisher_StageIdentity(t *testing.T) {
	p := NewPublisher(testConfig(t), &fakeRunner{}, &fakePushAPI{}, nil)

	assert.Equal(t, "publish", p.Name())
	assert.Equal(t, pipeline.StatePublished, p.Completes())
}
