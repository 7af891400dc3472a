package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"caravel/internal/artifacts"
	"caravel/internal/config"
	"caravel/internal/envbuild"
	"caravel/internal/events"
	"caravel/internal/image"
	"caravel/internal/logging"
	"caravel/internal/notify"
	"caravel/internal/pipeline"
	"caravel/internal/publish"
	"caravel/internal/source"
	"caravel/internal/store"
	"caravel/pkg/cmdexec"
	"caravel/pkg/docker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one full pipeline run",
	Long: `Run the pipeline once: fetch, environment build, image build, publish.
The first failing stage aborts the run; exit status is zero only when
all four stages succeed.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return err
	}

	if err := logging.Setup(cfg); err != nil {
		log.Error().Err(err).Msg("Failed to set up logging")
		return err
	}

	// The host CI can abort the run; the context tears down the process
	// tree of whatever stage is in flight.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := pipeline.NewRun(cfg.Source.Branch)
	log.Info().
		Str("run_id", run.ID).
		Str("repo", cfg.Source.RepoURL).
		Str("branch", cfg.Source.Branch).
		Str("image", cfg.ImageRef()).
		Msg("Pipeline run starting")

	// The notifier is created before the bus so the deferred teardown runs
	// in reverse: the bus stops and drains its handlers while the Kafka
	// client is still open. Terminal events land right before return and
	// must not race a closed client.
	var notifier *notify.KafkaNotifier
	if cfg.Notify.Enabled {
		notifier, err = notify.NewKafkaNotifier(cfg.Notify.Brokers, cfg.Notify.Topic)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Kafka notifier")
			return err
		}
		defer notifier.Close()
	}

	bus := events.NewInMemoryEventBus(100)
	if err := bus.Start(); err != nil {
		return err
	}
	defer func() {
		if err := bus.Stop(); err != nil {
			log.Warn().Err(err).Msg("Event bus did not stop cleanly")
		}
	}()

	if notifier != nil {
		if err := bus.Subscribe(notifier); err != nil {
			return err
		}
	}

	var recorder pipeline.Recorder
	if cfg.Store.Enabled {
		db, err := store.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to run-history store")
			return err
		}
		defer db.Close()
		if err := store.Bootstrap(ctx, db); err != nil {
			return err
		}
		recorder = store.NewRunStore(db)
	}

	engine, err := docker.NewEngineClient()
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize container engine client")
		return err
	}
	defer engine.Close()

	var runLog io.Writer
	if cfg.Logging.Enabled {
		writer, err := logging.RunLogWriter(cfg, run.ID)
		if err != nil {
			return err
		}
		defer writer.Close()
		runLog = writer
	}

	execRunner := cmdexec.NewExecRunner()

	stages := []pipeline.Stage{
		source.NewFetcher(cfg, execRunner),
		envbuild.NewBuilder(cfg, execRunner),
		image.NewBuilder(cfg, engine, runLog),
		publish.NewPublisher(cfg, execRunner, engine, runLog),
	}

	opts := []pipeline.RunnerOption{pipeline.WithEventBus(bus)}
	if recorder != nil {
		opts = append(opts, pipeline.WithRecorder(recorder))
	}
	runner := pipeline.NewRunner(stages, opts...)

	runErr := runner.Execute(ctx, run)

	if cfg.Artifacts.Enabled {
		archiveRun(ctx, cfg, engine, run)
	}

	if runErr != nil {
		log.Error().
			Str("run_id", run.ID).
			Str("failed_stage", run.FailedStage).
			Msg("Pipeline run failed")
		return runErr
	}

	return nil
}

// archiveRun uploads the run log and training metrics; archive failures
// never change the run's outcome.
func archiveRun(ctx context.Context, cfg *config.Config, engine artifacts.ContainerAPI, run *pipeline.Run) {
	archiver, err := artifacts.NewArchiver(cfg.Artifacts)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize artifact archiver")
		return
	}
	if err := archiver.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure artifact bucket")
		return
	}

	files := map[string]string{}
	if cfg.Logging.Enabled {
		files["run.log"] = logging.RunLogPath(cfg, run.ID)
	}

	// The training pipeline runs inside the image build, so the metrics
	// file lives in the image's layers, not in the host worktree.
	if imageBuilt(run) {
		metricsPath := filepath.Join(os.TempDir(), fmt.Sprintf("caravel-metrics-%s.json", run.ID))
		ref := run.CommitImageRef
		if ref == "" {
			ref = run.ImageRef
		}
		if err := artifacts.ExtractImageFile(ctx, engine, ref, cfg.Artifacts.MetricsFile, metricsPath); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID).Str("image", ref).Msg("Failed to extract training metrics from image")
		} else {
			defer os.Remove(metricsPath)
			files["metrics.json"] = metricsPath
		}
	}

	if err := archiver.ArchiveRun(ctx, run.ID, files); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to archive run artifacts")
	}
}

// imageBuilt reports whether the run got far enough to tag a local image.
func imageBuilt(run *pipeline.Run) bool {
	if run.State == pipeline.StatePublished {
		return true
	}
	return run.State == pipeline.StateFailed && run.FailedStage == "publish"
}
