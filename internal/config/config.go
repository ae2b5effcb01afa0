// Package config loads regent configuration.
//
// Precedence (highest first): runtime overrides, REGENT_* environment
// variables, the optional config file, built-in defaults. Nested keys map to
// env names by replacing "." with "_", e.g. etcd.endpoints -> REGENT_ETCD_ENDPOINTS.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "REGENT"

type Config struct {
	Etcd        EtcdConfig        `mapstructure:"etcd"`
	Server      ServerConfig      `mapstructure:"server"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	Prefix      string        `mapstructure:"prefix"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AdvertiseAddress 发布给 LeaderRetrieval 的地址，为空时用 host:port
	AdvertiseAddress string        `mapstructure:"advertise_address"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	SubmitRate       float64       `mapstructure:"submit_rate"`
	SubmitBurst      int           `mapstructure:"submit_burst"`
	MaxArtifactBytes int64         `mapstructure:"max_artifact_bytes"`
}

func (s ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) PublishedAddress() string {
	if s.AdvertiseAddress != "" {
		return s.AdvertiseAddress
	}
	return s.ListenAddress()
}

type ArtifactsConfig struct {
	Backend string   `mapstructure:"backend"` // file | s3
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type CoordinatorConfig struct {
	MailboxSize       int           `mapstructure:"mailbox_size"`
	StartTimeout      time.Duration `mapstructure:"start_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	CleanupBackoff    time.Duration `mapstructure:"cleanup_backoff"`
	CleanupMaxDelay   time.Duration `mapstructure:"cleanup_max_delay"`
	RollbackAttempts  int           `mapstructure:"rollback_attempts"`
	FinishedRetention int           `mapstructure:"finished_retention"`
}

type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	NodeTTL           time.Duration `mapstructure:"node_ttl"`
	MilliCPU          int64         `mapstructure:"milli_cpu"`
	Memory            int64         `mapstructure:"memory"`
	DockerAPIVersion  string        `mapstructure:"docker_api_version"`
	DefaultImage      string        `mapstructure:"default_image"`
	LogTTL            time.Duration `mapstructure:"log_ttl"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("etcd.prefix", "/regent")
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.advertise_address", "")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.submit_rate", 50.0)
	v.SetDefault("server.submit_burst", 100)
	v.SetDefault("server.max_artifact_bytes", int64(64<<20))

	v.SetDefault("artifacts.backend", "file")
	v.SetDefault("artifacts.dir", "./data/artifacts")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "regent/artifacts")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("coordinator.mailbox_size", 256)
	v.SetDefault("coordinator.start_timeout", 30*time.Second)
	v.SetDefault("coordinator.stop_timeout", 30*time.Second)
	v.SetDefault("coordinator.cleanup_backoff", 100*time.Millisecond)
	v.SetDefault("coordinator.cleanup_max_delay", 10*time.Second)
	v.SetDefault("coordinator.rollback_attempts", 5)
	v.SetDefault("coordinator.finished_retention", 1024)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.heartbeat_interval", 3*time.Second)
	v.SetDefault("worker.node_ttl", 10*time.Second)
	v.SetDefault("worker.milli_cpu", int64(4000))
	v.SetDefault("worker.memory", int64(8<<30))
	v.SetDefault("worker.docker_api_version", "1.44")
	v.SetDefault("worker.default_image", "alpine:latest")
	v.SetDefault("worker.log_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
}

// Load reads configuration. configFile may be empty.
func Load(configFile string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flatten 把嵌套的 map 展开成 viper 的点号 key
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd.endpoints must not be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Artifacts.Backend {
	case "file":
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the file backend"))
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend))
	}
	if c.Coordinator.MailboxSize <= 0 {
		errs = append(errs, errors.New("coordinator.mailbox_size must be positive"))
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.NodeTTL < c.Worker.HeartbeatInterval {
		errs = append(errs, errors.New("worker.node_ttl must be at least worker.heartbeat_interval"))
	}
	return errors.Join(errs...)
}
