package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "BUCKETCRYPT",
	}
}

// Load reads configuration from defaults, file and environment, in that order of precedence.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	path := l.configPath
	if path == "" {
		for _, candidate := range l.defaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		l.configPath = path
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// A relocated data dir drags the derived paths along unless they were set explicitly.
	if cfg.Storage.DataDir != DefaultConfig().Storage.DataDir {
		dataDir := cfg.Storage.DataDir
		if !v.InConfig("storage.temp_dir") && os.Getenv(l.envKey("storage.temp_dir")) == "" {
			cfg.Storage.TempDir = filepath.Join(dataDir, "temp")
		}
		if !v.InConfig("storage.local_root") && os.Getenv(l.envKey("storage.local_root")) == "" {
			cfg.Storage.LocalRoot = filepath.Join(dataDir, "buckets")
		}
		if !v.InConfig("state.dir") && os.Getenv(l.envKey("state.dir")) == "" {
			cfg.State.Dir = filepath.Join(dataDir, "state")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigPath returns the file the last Load read, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

func (l *Loader) envKey(key string) string {
	return l.envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"bucketcrypt.json",
		".bucketcrypt.json",
		"bucketcrypt.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "bucketcrypt", "config.json"),
			filepath.Join(homeDir, ".config", "bucketcrypt", "config.yaml"),
			filepath.Join(homeDir, ".bucketcrypt", "config.json"),
		)
	}

	return paths
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.local_root", d.Storage.LocalRoot)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.temp_dir", d.Storage.TempDir)
	v.SetDefault("storage.max_file_size", d.Storage.MaxFileSize)
	v.SetDefault("storage.max_path_bytes", d.Storage.MaxPathBytes)
	v.SetDefault("storage.s3.region", d.Storage.S3.Region)
	v.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.use_path_style", d.Storage.S3.UsePathStyle)
	v.SetDefault("storage.s3.prefix", d.Storage.S3.Prefix)
	v.SetDefault("storage.max_retries", d.Storage.MaxRetries)
	v.SetDefault("storage.retry_delay", d.Storage.RetryDelay)

	v.SetDefault("crypto.iterations", d.Crypto.Iterations)
	v.SetDefault("crypto.content_mode", d.Crypto.ContentMode)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.dir", d.State.Dir)

	v.SetDefault("transfer.max_concurrent", d.Transfer.MaxConcurrent)
	v.SetDefault("transfer.verify_checksum", d.Transfer.VerifyChecksum)
	v.SetDefault("transfer.spool_in_memory", d.Transfer.SpoolInMemory)

	v.SetDefault("auth.credentials_file", d.Auth.CredentialsFile)
	v.SetDefault("auth.secret_id", d.Auth.SecretID)
	v.SetDefault("auth.passphrase_env", d.Auth.PassphraseEnv)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.timestamp", d.Log.Timestamp)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
