// Package source materializes the working tree for a pipeline run.
package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"caravel/internal/config"
	"caravel/internal/pipeline"
	"caravel/pkg/cmdexec"
)

// Fetcher clones the tracked branch into the run workspace. It overwrites
// any prior working tree; retry policy belongs to the CI host, not here.
type Fetcher struct {
	cfg    *config.Config
	runner cmdexec.Runner
}

func NewFetcher(cfg *config.Config, runner cmdexec.Runner) *Fetcher {
	return &Fetcher{cfg: cfg, runner: runner}
}

func (f *Fetcher) Name() string { return "fetch" }

func (f *Fetcher) Completes() pipeline.State { return pipeline.StateFetching }

func (f *Fetcher) Execute(ctx context.Context, run *pipeline.Run) error {
	worktree := f.cfg.WorktreeDir()

	// Overwrite any prior working tree in the run's workspace.
	if err := os.RemoveAll(worktree); err != nil {
		return &pipeline.FetchError{Err: fmt.Errorf("failed to clear working tree %s: %w", worktree, err)}
	}
	if err := os.MkdirAll(filepath.Dir(worktree), 0700); err != nil {
		return &pipeline.FetchError{Err: fmt.Errorf("failed to create workspace: %w", err)}
	}

	log.Info().
		Str("repo", f.cfg.Source.RepoURL).
		Str("branch", f.cfg.Source.Branch).
		Str("worktree", worktree).
		Msg("Fetching source")

	cmd := cmdexec.Command{
		Name: "git",
		Args: []string{
			"clone",
			"--branch", f.cfg.Source.Branch,
			"--single-branch",
			f.cfg.Source.RepoURL,
			worktree,
		},
		Env: f.credentialEnv(),
	}

	out, err := f.runner.Run(ctx, cmd)
	if err != nil {
		return &pipeline.FetchError{Output: string(out), Err: err}
	}

	head, err := f.headCommit(ctx, worktree)
	if err != nil {
		return err
	}

	run.Commit = head
	run.ImageRef = f.cfg.ImageRef()
	run.CommitImageRef = f.cfg.CommitImageRef(head)

	log.Info().
		Str("run_id", run.ID).
		Str("commit", run.ShortCommit()).
		Msg("Source fetched")

	return nil
}

func (f *Fetcher) headCommit(ctx context.Context, worktree string) (string, error) {
	out, err := f.runner.Run(ctx, cmdexec.Command{
		Name: "git",
		Args: []string{"rev-parse", "HEAD"},
		Dir:  worktree,
	})
	if err != nil {
		return "", &pipeline.FetchError{Output: string(out), Err: err}
	}
	head := strings.TrimSpace(string(out))
	if head == "" {
		return "", &pipeline.FetchError{Err: fmt.Errorf("rev-parse returned no commit for %s", worktree)}
	}
	return head, nil
}

// credentialEnv injects the access token through git's ephemeral
// environment config. Unlike `clone -c`, nothing ends up in the cloned
// repository's config file.
func (f *Fetcher) credentialEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	token := os.Getenv(f.cfg.Source.TokenEnv)
	if token == "" {
		return env
	}

	header := "AUTHORIZATION: basic " +
		base64.StdEncoding.EncodeToString([]byte("x-access-token:"+token))

	return append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraheader",
		"GIT_CONFIG_VALUE_0="+header,
	)
}
