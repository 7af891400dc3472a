package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Source    SourceConfig    `mapstructure:"source"`
	Venv      VenvConfig      `mapstructure:"venv"`
	Image     ImageConfig     `mapstructure:"image"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type PipelineConfig struct {
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

type SourceConfig struct {
	RepoURL  string `mapstructure:"repo_url"`
	Branch   string `mapstructure:"branch"`
	TokenEnv string `mapstructure:"token_env"`
}

type VenvConfig struct {
	Dir    string `mapstructure:"dir"`
	Python string `mapstructure:"python"`
}

type ImageConfig struct {
	Name       string `mapstructure:"name"`
	Tag        string `mapstructure:"tag"`
	Dockerfile string `mapstructure:"dockerfile"`
}

type RegistryConfig struct {
	Host       string `mapstructure:"host"`
	Project    string `mapstructure:"project"`
	GcloudPath string `mapstructure:"gcloud_path"`
	KeyFile    string `mapstructure:"key_file"`
}

type StoreConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DatabaseURL string `mapstructure:"database_url"`
}

type NotifyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ArtifactsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Bucket      string `mapstructure:"bucket"`
	UseSSL      bool   `mapstructure:"use_ssl"`
	MetricsFile string `mapstructure:"metrics_file"`
}

type LoggingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func Load() (*Config, error) {
	var cfg Config

	// Set defaults
	viper.SetDefault("pipeline.workspace_dir", defaultWorkspaceDir())
	viper.SetDefault("source.branch", "main")
	viper.SetDefault("source.token_env", "GIT_TOKEN")
	viper.SetDefault("venv.python", "python3")
	viper.SetDefault("image.name", "ml-project")
	viper.SetDefault("image.tag", "latest")
	viper.SetDefault("image.dockerfile", "Dockerfile")
	viper.SetDefault("registry.host", "gcr.io")
	viper.SetDefault("registry.gcloud_path", "gcloud")
	viper.SetDefault("notify.topic", "caravel.runs")
	viper.SetDefault("artifacts.bucket", "caravel-artifacts")
	viper.SetDefault("artifacts.metrics_file", "artifacts/metrics.json")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", "./logs")
	viper.SetDefault("logging.file", "caravel.log")
	viper.SetDefault("logging.max_size", 10)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Venv.Dir == "" {
		cfg.Venv.Dir = filepath.Join(cfg.Pipeline.WorkspaceDir, "venv")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides honors the environment bindings the CI host injects at
// stage entry. Values from the environment win over the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VENV_DIR"); v != "" {
		cfg.Venv.Dir = v
		log.Debug().Str("venv_dir", v).Msg("Venv directory overridden from environment")
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		cfg.Registry.Project = v
		log.Debug().Str("project", v).Msg("Cloud project overridden from environment")
	}
	if v := os.Getenv("GCLOUD_PATH"); v != "" {
		cfg.Registry.GcloudPath = v
		log.Debug().Str("gcloud_path", v).Msg("Cloud CLI path overridden from environment")
	}
	if cfg.Registry.KeyFile == "" {
		cfg.Registry.KeyFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}

func (c *Config) Validate() error {
	if c.Source.RepoURL == "" {
		return fmt.Errorf("source.repo_url is required")
	}
	if strings.Contains(c.Source.RepoURL, "@") {
		return fmt.Errorf("source.repo_url must not embed credentials, use the %s environment variable", c.Source.TokenEnv)
	}
	if c.Source.Branch == "" {
		return fmt.Errorf("source.branch is required")
	}
	if c.Image.Name == "" {
		return fmt.Errorf("image.name is required")
	}
	if strings.Contains(c.Image.Name, ":") || strings.Contains(c.Image.Name, "/") {
		return fmt.Errorf("image.name must be a bare name without registry or tag (e.g. 'ml-project')")
	}
	if c.Registry.Project == "" {
		return fmt.Errorf("registry.project is required (or set GCP_PROJECT)")
	}
	if strings.Contains(c.Registry.Host, "://") || strings.Contains(c.Registry.Host, "/") {
		return fmt.Errorf("registry.host should be just the host name (e.g. 'gcr.io')")
	}
	if c.Store.Enabled && c.Store.DatabaseURL == "" {
		return fmt.Errorf("store enabled but store.database_url not provided (or set DATABASE_URL)")
	}
	if c.Notify.Enabled && len(c.Notify.Brokers) == 0 {
		return fmt.Errorf("notify enabled but no notify.brokers configured")
	}
	if c.Artifacts.Enabled {
		if c.Artifacts.Endpoint == "" {
			return fmt.Errorf("artifacts enabled but artifacts.endpoint not provided")
		}
		if strings.Contains(c.Artifacts.Endpoint, "://") {
			return fmt.Errorf("artifacts.endpoint must not include scheme: %q", c.Artifacts.Endpoint)
		}
		if c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "" {
			return fmt.Errorf("artifacts enabled but access_key/secret_key not provided")
		}
	}
	return nil
}

// ImageRef returns the fully qualified reference for the fixed tag,
// <host>/<project>/<name>:<tag>.
func (c *Config) ImageRef() string {
	return fmt.Sprintf("%s/%s/%s:%s", c.Registry.Host, c.Registry.Project, c.Image.Name, c.Image.Tag)
}

// CommitImageRef returns the immutable reference tagged by source commit.
func (c *Config) CommitImageRef(commit string) string {
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s/%s/%s:%s", c.Registry.Host, c.Registry.Project, c.Image.Name, commit)
}

// WorktreeDir is where the fetched source tree lives for a run.
func (c *Config) WorktreeDir() string {
	return filepath.Join(c.Pipeline.WorkspaceDir, "src")
}

// defaultWorkspaceDir returns a platform-appropriate default workspace.
func defaultWorkspaceDir() string {
	uid := os.Getuid()

	if uid != 0 {
		if homeDir, err := os.UserHomeDir(); err == nil {
			dir := filepath.Join(homeDir, ".local/share/caravel")
			log.Debug().Str("workspace_dir", dir).Msg("Using user workspace directory")
			return dir
		}
		log.Debug().Msg("Failed to get user home directory, falling back to ./workspace")
	}

	return "./workspace"
}
