package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type Config struct {
	RootPath    string    `mapstructure:"root_path"`
	TmpPath     string    `mapstructure:"tmp_path"`
	LogPath     string    `mapstructure:"log_path"`
	LogJSON     bool      `mapstructure:"log_json"`
	NoColor     bool      `mapstructure:"no_color"`
	LogLevel    string    `mapstructure:"log_level"`
	Parallelism int       `mapstructure:"parallelism"`
	Triggers    []Trigger `mapstructure:"triggers"`
}

// Component is the declaration of one database, compressor, encryptor or
// notifier: a symbolic type name plus free-form options resolved later by
// the finder.
type Component struct {
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:"options"`
}

type StorageComponent struct {
	Component `mapstructure:",squash"`
	Keep      int `mapstructure:"keep"`
}

type Archive struct {
	Paths    []string `mapstructure:"paths"`
	Excludes []string `mapstructure:"excludes"`
}

type Trigger struct {
	Name         string             `mapstructure:"trigger"`
	Label        string             `mapstructure:"label"`
	SplitInto    string             `mapstructure:"split_into"`
	StageTimeout time.Duration      `mapstructure:"stage_timeout"`
	Archive      Archive            `mapstructure:"archive"`
	Databases    []Component        `mapstructure:"databases"`
	Compressor   *Component         `mapstructure:"compressor"`
	Encryptor    *Component         `mapstructure:"encryptor"`
	Storages     []StorageComponent `mapstructure:"storages"`
	Notifiers    []Component        `mapstructure:"notifiers"`
}

var triggerName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the definition on its own. Components are checked later
// when the finder resolves them.
func (t Trigger) Validate() error {
	if !triggerName.MatchString(t.Name) {
		return apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("invalid trigger name %q", t.Name),
			"Use letters, digits, '-' and '_' only.")
	}
	if len(t.Databases) == 0 && len(t.Archive.Paths) == 0 {
		return apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("trigger %s has nothing to back up", t.Name),
			"Declare at least one database or archive path.")
	}
	if _, err := t.SplitSize(); err != nil {
		return err
	}
	if t.StageTimeout < 0 {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("trigger %s: negative stage_timeout", t.Name), "")
	}
	for _, s := range t.Storages {
		if s.Keep < 0 {
			return apperrors.New(apperrors.TypeConfig,
				fmt.Sprintf("trigger %s: storage %s has negative keep", t.Name, s.Type), "")
		}
	}
	return nil
}

// SplitSize returns the chunk size in bytes, 0 when splitting is off.
func (t Trigger) SplitSize() (int64, error) {
	if strings.TrimSpace(t.SplitInto) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(t.SplitInto)
	if err != nil || n == 0 {
		return 0, apperrors.Wrap(err, apperrors.TypeConfig,
			fmt.Sprintf("trigger %s: invalid split_into %q", t.Name, t.SplitInto),
			"Use a positive size such as 10MB or 512MiB.")
	}
	return int64(n), nil
}

// Trigger returns the definition with the given name.
func (c *Config) Trigger(name string) (Trigger, bool) {
	for _, t := range c.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return Trigger{}, false
}

func (c *Config) TriggerNames() []string {
	names := make([]string, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		names = append(names, t.Name)
	}
	return names
}

// ResolvePaths fills unset runtime paths below root.
func (c *Config) ResolvePaths(root string) {
	if c.RootPath == "" {
		c.RootPath = root
	}
	if c.TmpPath == "" {
		c.TmpPath = filepath.Join(c.RootPath, ".tmp")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(c.RootPath, "log")
	}
}

// Load reads the YAML file at path, or backup.yaml from the working
// directory when path is empty, and applies BACKUP_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("parallelism", 1)
	v.SetDefault("log_level", "info")
	for _, k := range []string{"root_path", "tmp_path", "log_path", "log_json", "no_color"} {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to read config file", "Pass --config with a readable YAML file.")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to unmarshal config", "")
	}

	if cfg.Parallelism < 1 {
		return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("parallelism must be at least 1, got %d", cfg.Parallelism), "")
	}
	seen := make(map[string]bool, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		if seen[t.Name] {
			return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("trigger %q is declared twice", t.Name), "")
		}
		seen[t.Name] = true
	}

	return &cfg, nil
}
