package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string
	DataDir  string

	Queue    QueueConfig
	Worker   WorkerConfig
	Predict  PredictConfig
	Status   StatusConfig
	Artifact ArtifactConfig
}

// RawDir holds <DatasetNNN_name>/dataset.json descriptors.
func (c *Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// PredictionsDir holds <dataset>/req_<uuid> workspaces.
func (c *Config) PredictionsDir() string { return filepath.Join(c.DataDir, "predictions") }

type QueueConfig struct {
	Backend string // memory | postgres
	DSN     string
	Name    string
}

type WorkerConfig struct {
	Inline       bool
	Concurrency  int
	PollInterval time.Duration
	ScriptPath   string
}

type PredictConfig struct {
	Configuration string
	Device        string
	Trainer       string
	Plans         string
	RequesterID   string
	JobTimeout    time.Duration
	ResultTTL     time.Duration
}

type StatusConfig struct {
	VacuousCompletion bool
	WatchInterval     time.Duration
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// CanUseS3 reports whether enough is configured to talk to an S3 endpoint.
func (a ArtifactConfig) CanUseS3() bool {
	return a.Enabled &&
		strings.TrimSpace(a.Endpoint) != "" &&
		strings.TrimSpace(a.Bucket) != "" &&
		strings.TrimSpace(a.AccessKey) != "" &&
		strings.TrimSpace(a.SecretKey) != ""
}

// Load reads .env, the command line and the environment of the process.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadArgs(os.Args[1:], os.LookupEnv)
}

// LoadArgs resolves the configuration from args and lookup. Values from the
// optional -config TOML file sit below the environment.
func LoadArgs(args []string, lookup func(string) (string, bool)) (*Config, error) {
	fs := flag.NewFlagSet("nnunetserver", flag.ContinueOnError)
	port := fs.String("port", ":8000", "server port")
	file := fs.String("config", "", "optional TOML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	src := source{env: lookup}
	if path := strings.TrimSpace(*file); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}

	if envPort := src.str("PORT", ""); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}
	env := src.str("APP_ENV", "local")

	cfg := &Config{
		Port:     *port,
		Env:      env,
		LogLevel: src.str("LOG_LEVEL", "info"),
		DataDir:  src.str("NNUNET_DATA_DIR", "data"),
		Queue: QueueConfig{
			Backend: strings.ToLower(src.str("QUEUE_BACKEND", "memory")),
			DSN:     src.str("QUEUE_PG_DSN", ""),
			Name:    src.str("QUEUE_NAME", "nnunet"),
		},
		Worker: WorkerConfig{
			Inline:       src.boolean("WORKER_INLINE", false),
			Concurrency:  src.integer("WORKER_CONCURRENCY", 1),
			PollInterval: src.duration("WORKER_POLL_INTERVAL", time.Second),
			ScriptPath:   src.str("NNUNET_SCRIPT_PATH", "scripts/nnunet_predict.sh"),
		},
		Predict: PredictConfig{
			Configuration: src.str("PREDICT_CONFIGURATION", "3d_lowres"),
			Device:        src.str("PREDICT_DEVICE", "gpu"),
			Trainer:       src.str("PREDICT_TRAINER", "nnUNetTrainer"),
			Plans:         src.str("PREDICT_PLANS", "nnUNetPlans"),
			RequesterID:   src.str("PREDICT_REQUESTER_ID", ""),
			JobTimeout:    src.duration("JOB_TIMEOUT", 3*time.Hour),
			ResultTTL:     src.duration("RESULT_TTL", 7*24*time.Hour),
		},
		Status: StatusConfig{
			VacuousCompletion: src.boolean("STATUS_VACUOUS_COMPLETION", false),
			WatchInterval:     src.duration("WATCH_INTERVAL", 2*time.Second),
		},
		Artifact: loadArtifactConfig(&src, env),
	}
	if err := src.err; err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Queue.DSN) == "" {
			return fmt.Errorf("QUEUE_PG_DSN is required for the postgres queue backend")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Queue.Backend == "memory" && !c.Worker.Inline {
		// nothing else can consume an in-process queue
		c.Worker.Inline = true
	}
	return nil
}

func loadArtifactConfig(src *source, env string) ArtifactConfig {
	local := strings.EqualFold(strings.TrimSpace(env), "local")
	endpoint := src.str("ARTIFACT_S3_ENDPOINT", "")
	useSSL := src.boolean("ARTIFACT_S3_USE_SSL", true)
	if local {
		endpoint = src.str("ARTIFACT_MINIO_ENDPOINT", endpoint)
		useSSL = false
	}
	return ArtifactConfig{
		Enabled:   src.boolean("ARTIFACT_S3_ENABLED", endpoint != ""),
		Endpoint:  endpoint,
		Region:    src.str("ARTIFACT_S3_REGION", "us-east-1"),
		AccessKey: firstNonEmpty(src.str("ARTIFACT_S3_ACCESS_KEY", ""), src.str("MINIO_ROOT_USER", "")),
		SecretKey: firstNonEmpty(src.str("ARTIFACT_S3_SECRET_KEY", ""), src.str("MINIO_ROOT_PASSWORD", "")),
		Bucket:    src.str("ARTIFACT_S3_BUCKET", "nnunet-bundles"),
		UseSSL:    useSSL,
		URLExpiry: src.duration("ARTIFACT_S3_URL_EXPIRY", time.Hour),
	}
}

// readFile flattens a TOML file into upper-cased keys, so that
// `queue_backend = "postgres"` and QUEUE_BACKEND name the same setting.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return out, nil
}

type source struct {
	env  func(string) (string, bool)
	file map[string]string
	err  error
}

func (s *source) lookup(key string) (string, bool) {
	if s.env != nil {
		if v, ok := s.env(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	if v, ok := s.file[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func (s *source) str(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s *source) boolean(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.fail(key, err)
		return def
	}
	return b
}

func (s *source) integer(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail(key, err)
		return def
	}
	return n
}

func (s *source) duration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.fail(key, err)
		return def
	}
	return d
}

func (s *source) fail(key string, err error) {
	if s.err == nil {
		s.err = fmt.Errorf("parse %s: %w", key, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
