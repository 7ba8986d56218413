package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/embedding"
	"github.com/dhcgn/mailvec/planner"
	"github.com/dhcgn/mailvec/vectorstore"
)

// ErrInvalid marks configuration errors.
var ErrInvalid = errors.New("invalid configuration")

const (
	EnvOllamaHost       = "OLLAMA_HOST"
	DefaultAPIKeyEnv    = "OPENAI_API_KEY"
	DefaultK            = 10
	DefaultLockTimeout  = 30 * time.Second
	defaultLLMTimeoutS  = 20
	defaultEmbedRetries = 3
)

// Config captures the options of every subcommand.
type Config struct {
	ConfigFile string

	ArchivePath    string
	DatasetDir     string
	CanonicalPath  string
	CollectionPath string
	CollectionName string

	Embedding EmbeddingConfig
	LLM       LLMConfig

	K           int
	Rebuild     bool
	LockTimeout time.Duration

	LogLevel string
	LogDir   string
	Quiet    bool
}

type EmbeddingConfig struct {
	Model         string `yaml:"model"`
	OllamaHost    string `yaml:"ollama_host"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	APIKey        string `yaml:"-"`
	BatchSize     int    `yaml:"batch_size"`
	Concurrency   int    `yaml:"concurrency"`
	InputBudget   int    `yaml:"input_budget"`
	Retries       int    `yaml:"retries"`
}

type LLMConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`
}

// Options converts the embedding section for embedding.New.
func (e EmbeddingConfig) Options() embedding.Options {
	return embedding.Options{
		OllamaHost:    e.OllamaHost,
		OpenAIBaseURL: e.OpenAIBaseURL,
		APIKey:        e.APIKey,
		Retries:       e.Retries,
	}
}

// fileConfig is the YAML layout of --config.
type fileConfig struct {
	Dataset        string          `yaml:"dataset"`
	Canonical      string          `yaml:"canonical"`
	CollectionPath string          `yaml:"collection_path"`
	Collection     string          `yaml:"collection"`
	Embedding      EmbeddingConfig `yaml:"embedding"`
	LLM            struct {
		LLMConfig      `yaml:",inline"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Query struct {
		K int `yaml:"k"`
	} `yaml:"query"`
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
	Log                struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"log"`
}

// RegisterFlags attaches the flags shared by all subcommands to the root
// command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultDataDir, err := defaultDataDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML configuration file")
	flags.String("dataset", defaultDataDir, "Dataset directory holding records.jsonl and vectors/")
	flags.String("collection-path", "", "Vector collection directory (default <dataset>/vectors)")
	flags.String("collection", vectorstore.DefaultCollection, "Collection name")
	flags.String("model", embedding.DefaultModel, "Embedding model: hash-<dim>, ollama:<model> or openai:<model>")
	flags.String("ollama-url", embedding.DefaultOllamaHost, "Ollama base URL (falls back to OLLAMA_HOST env var)")
	flags.Duration("lock-timeout", DefaultLockTimeout, "How long to wait for a busy collection")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files; logs go to stderr only when empty")
	flags.Bool("quiet", false, "Disable the progress bar")
	return nil
}

// LoadConfig merges defaults, the YAML file, the environment and the flags
// that were set explicitly, in increasing order of precedence.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	cfg := defaults()

	if err := stringFlag(flags, "config", &cfg.ConfigFile, false); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		if err := loadFile(cfg.ConfigFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv(EnvOllamaHost); host != "" {
		cfg.Embedding.OllamaHost = normalizeHost(host)
		cfg.LLM.URL = cfg.Embedding.OllamaHost
	}

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"archive", &cfg.ArchivePath},
		{"dataset", &cfg.DatasetDir},
		{"canonical", &cfg.CanonicalPath},
		{"collection-path", &cfg.CollectionPath},
		{"collection", &cfg.CollectionName},
		{"model", &cfg.Embedding.Model},
		{"ollama-url", &cfg.Embedding.OllamaHost},
		{"llm-model", &cfg.LLM.Model},
		{"log-level", &cfg.LogLevel},
		{"log-dir", &cfg.LogDir},
	} {
		if err := stringFlag(flags, f.name, f.dst, true); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("ollama-url") {
		cfg.LLM.URL = cfg.Embedding.OllamaHost
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"k", &cfg.K},
		{"batch-size", &cfg.Embedding.BatchSize},
		{"concurrency", &cfg.Embedding.Concurrency},
	} {
		if flags.Lookup(f.name) == nil || !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetInt(f.name)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	for _, f := range []struct {
		name string
		dst  *time.Duration
	}{
		{"llm-timeout", &cfg.LLM.Timeout},
		{"lock-timeout", &cfg.LockTimeout},
	} {
		if flags.Lookup(f.name) == nil || !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetDuration(f.name)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	for _, f := range []struct {
		name string
		dst  *bool
	}{
		{"rebuild", &cfg.Rebuild},
		{"quiet", &cfg.Quiet},
	} {
		if flags.Lookup(f.name) == nil || !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetBool(f.name)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}
	if flags.Lookup("no-llm") != nil && flags.Changed("no-llm") {
		noLLM, err := flags.GetBool("no-llm")
		if err != nil {
			return Config{}, err
		}
		cfg.LLM.Enabled = !noLLM
	}

	if cfg.Embedding.APIKeyEnv != "" {
		cfg.Embedding.APIKey = os.Getenv(cfg.Embedding.APIKeyEnv)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.CanonicalPath == "" {
		cfg.CanonicalPath = filepath.Join(cfg.DatasetDir, canonical.FileName)
	}
	if cfg.CollectionPath == "" {
		cfg.CollectionPath = filepath.Join(cfg.DatasetDir, "vectors")
	}
	cfg.CanonicalPath = filepath.Clean(cfg.CanonicalPath)
	cfg.CollectionPath = filepath.Clean(cfg.CollectionPath)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaults() Config {
	dataDir, err := defaultDataDir()
	if err != nil {
		dataDir = "."
	}
	return Config{
		DatasetDir:     dataDir,
		CollectionName: vectorstore.DefaultCollection,
		Embedding: EmbeddingConfig{
			Model:         embedding.DefaultModel,
			OllamaHost:    embedding.DefaultOllamaHost,
			OpenAIBaseURL: embedding.DefaultOpenAIBaseURL,
			APIKeyEnv:     DefaultAPIKeyEnv,
			Retries:       defaultEmbedRetries,
		},
		LLM: LLMConfig{
			Enabled: true,
			URL:     planner.DefaultOllamaURL,
			Model:   planner.DefaultOllamaModel,
			Timeout: defaultLLMTimeoutS * time.Second,
		},
		K:           DefaultK,
		LockTimeout: DefaultLockTimeout,
		LogLevel:    "info",
	}
}

// loadFile applies the YAML file at path on top of cfg. Keys missing from
// the file keep their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	fc := fileConfig{Embedding: cfg.Embedding}
	fc.LLM.LLMConfig = cfg.LLM
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	setString(&cfg.DatasetDir, fc.Dataset)
	setString(&cfg.CanonicalPath, fc.Canonical)
	setString(&cfg.CollectionPath, fc.CollectionPath)
	setString(&cfg.CollectionName, fc.Collection)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogDir, fc.Log.Dir)

	cfg.Embedding = fc.Embedding
	cfg.LLM = fc.LLM.LLMConfig
	if fc.LLM.TimeoutSeconds > 0 {
		cfg.LLM.Timeout = time.Duration(fc.LLM.TimeoutSeconds) * time.Second
	}
	if fc.Query.K > 0 {
		cfg.K = fc.Query.K
	}
	if fc.LockTimeoutSeconds > 0 {
		cfg.LockTimeout = time.Duration(fc.LockTimeoutSeconds) * time.Second
	}
	return nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.CollectionName) == "" {
		return fmt.Errorf("%w: --collection must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Embedding.Model) == "" {
		return fmt.Errorf("%w: --model must not be empty", ErrInvalid)
	}
	if cfg.K <= 0 {
		return fmt.Errorf("%w: -k must be positive", ErrInvalid)
	}
	if cfg.Embedding.BatchSize < 0 || cfg.Embedding.Concurrency < 0 {
		return fmt.Errorf("%w: --batch-size and --concurrency must not be negative", ErrInvalid)
	}
	if cfg.LLM.Timeout <= 0 {
		return fmt.Errorf("%w: --llm-timeout must be positive", ErrInvalid)
	}
	if cfg.LockTimeout < 0 {
		return fmt.Errorf("%w: --lock-timeout must not be negative", ErrInvalid)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid --log-level: %s", ErrInvalid, cfg.LogLevel)
	}

	return nil
}

// stringFlag copies a flag into dst. Flags the command does not define are
// ignored; with onlyChanged, so are flags left at their default.
func stringFlag(flags *pflag.FlagSet, name string, dst *string, onlyChanged bool) error {
	if flags.Lookup(name) == nil {
		return nil
	}
	if onlyChanged && !flags.Changed(name) {
		return nil
	}
	v, err := flags.GetString(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// normalizeHost accepts OLLAMA_HOST in the host:port form the Ollama CLI
// uses.
func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailvec"), nil
}
