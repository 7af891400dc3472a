// Package envbuild creates the isolated Python environment and installs
// the fetched project into it in editable mode.
package envbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"caravel/internal/config"
	"caravel/internal/pipeline"
	"caravel/pkg/cmdexec"
)

// Builder recreates the virtual environment on every run, so a rerun
// against an existing directory resolves a fresh dependency set instead
// of erroring.
type Builder struct {
	cfg    *config.Config
	runner cmdexec.Runner
}

func NewBuilder(cfg *config.Config, runner cmdexec.Runner) *Builder {
	return &Builder{cfg: cfg, runner: runner}
}

func (b *Builder) Name() string { return "envbuild" }

func (b *Builder) Completes() pipeline.State { return pipeline.StateEnvReady }

func (b *Builder) Execute(ctx context.Context, run *pipeline.Run) error {
	venvDir := b.cfg.Venv.Dir

	if err := os.RemoveAll(venvDir); err != nil {
		return &pipeline.DependencyResolutionError{Err: fmt.Errorf("failed to clear venv directory %s: %w", venvDir, err)}
	}
	if err := os.MkdirAll(filepath.Dir(venvDir), 0700); err != nil {
		return &pipeline.DependencyResolutionError{Err: fmt.Errorf("failed to create venv parent directory: %w", err)}
	}

	log.Info().
		Str("run_id", run.ID).
		Str("venv", venvDir).
		Str("python", b.cfg.Venv.Python).
		Msg("Creating virtual environment")

	out, err := b.runner.Run(ctx, cmdexec.Command{
		Name: b.cfg.Venv.Python,
		Args: []string{"-m", "venv", venvDir},
	})
	if err != nil {
		return &pipeline.DependencyResolutionError{Output: string(out), Err: err}
	}

	pip := filepath.Join(venvDir, "bin", "pip")

	out, err = b.runner.Run(ctx, cmdexec.Command{
		Name: pip,
		Args: []string{"install", "--upgrade", "pip"},
	})
	if err != nil {
		return &pipeline.DependencyResolutionError{Output: string(out), Err: err}
	}

	// Editable install: later in-place source changes are visible to the
	// image build without a reinstall.
	worktree := b.cfg.WorktreeDir()
	log.Info().
		Str("run_id", run.ID).
		Str("worktree", worktree).
		Msg("Installing project dependencies (editable)")

	out, err = b.runner.Run(ctx, cmdexec.Command{
		Name: pip,
		Args: []string{"install", "-e", "."},
		Dir:  worktree,
	})
	if err != nil {
		return &pipeline.DependencyResolutionError{Output: string(out), Err: err}
	}

	log.Info().Str("run_id", run.ID).Msg("Environment ready")
	return nil
}
