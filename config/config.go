// Package config holds the settings of the plthook command. Values come
// from command line flags, PLTHOOK_* environment variables and an optional
// YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PLTHOOK"

type Config struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`
	// PID selects the process whose mapping table is listed: "self" or a
	// decimal process id.
	PID string `mapstructure:"pid" yaml:"pid"`
	// ProcRoot is where the proc filesystem is mounted.
	ProcRoot   string `mapstructure:"procRoot" yaml:"procRoot"`
	PathFilter string `mapstructure:"path" yaml:"path"`
	ExecOnly   bool   `mapstructure:"exec" yaml:"exec"`
}

func Default() *Config {
	return &Config{
		PID:      "self",
		ProcRoot: "/proc",
	}
}

// Load merges the flags of fs, the environment and the file at path (if
// any) over the defaults. A missing file is an error only when path was
// given explicitly.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("debug", def.Debug)
	v.SetDefault("pid", def.PID)
	v.SetDefault("procRoot", def.ProcRoot)
	v.SetDefault("path", def.PathFilter)
	v.SetDefault("exec", def.ExecOnly)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("plthook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
