package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// JobConfig is one row of the schedule table.
type JobConfig struct {
	Name     string        `mapstructure:"name"`
	Cron     string        `mapstructure:"cron"`
	Enabled  bool          `mapstructure:"enabled"`
	LockName string        `mapstructure:"lock_name"`
	MinHold  time.Duration `mapstructure:"min_hold"`
	MaxHold  time.Duration `mapstructure:"max_hold"`
}

type CallbackConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	APIKeyHash    string        `mapstructure:"api_key_hash"`
}

type RetryConfig struct {
	MaxRetries   uint64        `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

// Backoff is the longest one upload can spend sleeping between attempts:
// the delay doubles after every retry.
func (r RetryConfig) Backoff() time.Duration {
	n := r.MaxRetries
	if n > 20 {
		n = 20
	}
	return r.InitialDelay * time.Duration((uint64(1)<<n)-1)
}

type BlobConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type SFTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type EncryptionConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AppCode     string        `mapstructure:"app_code"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryMax    int           `mapstructure:"retry_max"`
}

// AgencyConfig describes one file-exchange job.
type AgencyConfig struct {
	Job        string   `mapstructure:"job"`
	AgencyCode string   `mapstructure:"agency_code"`
	FilePrefix string   `mapstructure:"file_prefix"`
	BlobPath   string   `mapstructure:"blob_path"`
	RemoteDir  string   `mapstructure:"remote_dir"`
	Columns    []string `mapstructure:"columns"`
}

type SyncTableConfig struct {
	Table     string   `mapstructure:"table"`
	Keys      []string `mapstructure:"keys"`
	Columns   []string `mapstructure:"columns"`
	Encrypted []string `mapstructure:"encrypted"`
	FlagCol   string   `mapstructure:"flag_column"`
}

type SyncJobConfig struct {
	Job       string            `mapstructure:"job"`
	Direction string            `mapstructure:"direction"`
	Tables    []SyncTableConfig `mapstructure:"tables"`
}

type SyncConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	FieldKey string          `mapstructure:"field_key"`
	Jobs     []SyncJobConfig `mapstructure:"jobs"`
}

type EmailConfig struct {
	From            string   `mapstructure:"from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	AlertRecipients []string `mapstructure:"alert_recipients"`
}

type Config struct {
	DatabaseURL       string           `mapstructure:"database_url"`
	PublicDatabaseURL string           `mapstructure:"public_database_url"`
	ServerPort        string           `mapstructure:"server_port"`
	ShutdownGrace     time.Duration    `mapstructure:"shutdown_grace"`
	JWTSecret         string           `mapstructure:"jwt_secret"`
	AllowedOrigins    []string         `mapstructure:"allowed_origins"`
	LockDriver        string           `mapstructure:"lock_driver"`
	Jobs              []JobConfig      `mapstructure:"jobs"`
	Callback          CallbackConfig   `mapstructure:"callback"`
	Retry             RetryConfig      `mapstructure:"retry"`
	Blob              BlobConfig       `mapstructure:"blob"`
	SFTP              SFTPConfig       `mapstructure:"sftp"`
	Encryption        EncryptionConfig `mapstructure:"encryption"`
	Agencies          []AgencyConfig   `mapstructure:"agencies"`
	Sync              SyncConfig       `mapstructure:"sync"`
	Email             EmailConfig      `mapstructure:"email"`
}

// Job returns the schedule entry for name.
func (c *Config) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("lock_driver", "postgres")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("callback.ttl", 120*time.Minute)
	v.SetDefault("callback.sweep_interval", 60*time.Minute)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("sftp.port", 22)
	v.SetDefault("sftp.timeout", 30*time.Second)
	v.SetDefault("encryption.timeout", 30*time.Second)
	v.SetDefault("encryption.retry_max", 3)
	v.SetDefault("email.smtp_port", 587)
}

// Load reads config.yaml from path (or . and ./config when empty), applies
// OCMS_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("OCMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	for i := range cfg.Jobs {
		if cfg.Jobs[i].LockName == "" {
			cfg.Jobs[i].LockName = cfg.Jobs[i].Name
		}
	}
	for i := range cfg.Sync.Jobs {
		for j := range cfg.Sync.Jobs[i].Tables {
			if cfg.Sync.Jobs[i].Tables[j].FlagCol == "" {
				cfg.Sync.Jobs[i].Tables[j].FlagCol = "is_sync"
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url must be set")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must be set")
	}
	switch c.LockDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown lock_driver %q", c.LockDriver)
	}
	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Name == "" {
			return errors.New("job entry without a name")
		}
		if seen[j.Name] {
			return fmt.Errorf("job %q configured twice", j.Name)
		}
		seen[j.Name] = true
		if j.MaxHold <= 0 {
			return fmt.Errorf("job %q: max_hold must be positive", j.Name)
		}
		if j.MinHold > j.MaxHold {
			return fmt.Errorf("job %q: min_hold %s exceeds max_hold %s", j.Name, j.MinHold, j.MaxHold)
		}
	}
	if c.Callback.TTL <= 0 {
		return errors.New("callback.ttl must be positive")
	}
	if c.Callback.SweepInterval <= 0 {
		return errors.New("callback.sweep_interval must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown_grace must be positive")
	}
	return c.validateAgencyHolds()
}

// validateAgencyHolds keeps an upload job's lease alive for as long as the
// pipeline can be suspended: the encryption callback wait plus the backoff of
// both uploads. A shorter lease lets another instance start the same job.
func (c *Config) validateAgencyHolds() error {
	suspend := c.Callback.TTL + 2*c.Retry.Backoff()
	for _, a := range c.Agencies {
		j, ok := c.Job(a.Job)
		if !ok {
			continue
		}
		if j.MaxHold <= suspend {
			return fmt.Errorf("job %q: max_hold %s must exceed callback.ttl plus upload backoff (%s)", j.Name, j.MaxHold, suspend)
		}
	}
	return nil
}
