package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	TempDir          string `mapstructure:"temp_dir"`
	LogFormat        string `mapstructure:"log_format"`
	LogLevel         string `mapstructure:"log_level"`
	LogFile          string `mapstructure:"log_file"`
	RegistryPath     string `mapstructure:"registry_path"`
	JournalPath      string `mapstructure:"journal_path"`
	ResolveWorkers   int    `mapstructure:"resolve_workers"`
	ResolveQueueSize int    `mapstructure:"resolve_queue_size"`
	MinFreeDiskMB    int    `mapstructure:"min_free_disk_mb"`
	ThrowOnError     bool   `mapstructure:"throw_on_error"`
}

func Default() *Config {
	return &Config{
		LogFormat:        "text",
		LogLevel:         "warn",
		RegistryPath:     filepath.Join(configDir(), "products.yaml"),
		ResolveWorkers:   1,
		ResolveQueueSize: 4,
		MinFreeDiskMB:    16,
	}
}

// Load reads configuration from cfgFile, or from msipatch.yaml in the platform
// config directory or the working directory when cfgFile is empty.
// MSIPATCH_* environment variables override file values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("msipatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MSIPATCH")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv values reach Unmarshal even when
// the key is absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"temp_dir", "log_format", "log_level", "log_file", "registry_path", "journal_path",
		"resolve_workers", "resolve_queue_size", "min_free_disk_mb", "throw_on_error",
	} {
		_ = v.BindEnv(key)
	}
}

// TempDirOrDefault returns the directory for snapshot and transform files.
func (c *Config) TempDirOrDefault() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return os.TempDir()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "msipatch")
	case "darwin":
		return "/Library/Application Support/Breeze/msipatch"
	default:
		return "/etc/breeze/msipatch"
	}
}
