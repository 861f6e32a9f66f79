// Package config loads the settings of the disclaimer milter from defaults,
// an optional configuration file and DISCLAIMR_ environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables. milter.address becomes DISCLAIMR_MILTER_ADDRESS.
const EnvPrefix = "DISCLAIMR"

// Config holds all settings.
type Config struct {
	Milter struct {
		Network string `mapstructure:"network"`
		Address string `mapstructure:"address"`
		// RecipientMatching is "every" or "skip_after_accept".
		RecipientMatching string `mapstructure:"recipient_matching"`
	} `mapstructure:"milter"`
	Repository struct {
		// Driver is one of sqlite3, mysql, postgres or file.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		File   string `mapstructure:"file"`
	} `mapstructure:"repository"`
	Directory struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"directory"`
	Cache struct {
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"cache"`
	Metrics struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"metrics"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Body struct {
		MaxMem int `mapstructure:"max_mem"`
		// MaxSize is the largest body that gets a disclaimer. Zero disables the limit.
		MaxSize int64 `mapstructure:"max_size"`
	} `mapstructure:"body"`
}

// New returns a viper instance with all defaults registered and environment lookups enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("milter.network", "tcp")
	v.SetDefault("milter.address", "127.0.0.1:5000")
	v.SetDefault("milter.recipient_matching", "every")
	v.SetDefault("repository.driver", "sqlite3")
	v.SetDefault("repository.dsn", "disclaimr.sqlite")
	v.SetDefault("repository.file", "")
	v.SetDefault("directory.timeout", 5*time.Second)
	v.SetDefault("cache.flush_interval", time.Minute)
	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("body.max_mem", 4<<20)
	v.SetDefault("body.max_size", int64(32<<20))

	v.SetTypeByDefaultValue(true)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command line flags to their configuration keys.
// A flag name is the section, a "-" and the key with "_" replaced by "-",
// e.g. --milter-recipient-matching for milter.recipient_matching.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(strings.Replace(f.Name, "-", ".", 1), "-", "_")
		if !isKey(v, key) {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

func isKey(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// Load reads filename (when not empty) from fs into v and decodes the result.
func Load(v *viper.Viper, fs afero.Fs, filename string) (*Config, error) {
	if filename != "" {
		v.SetFs(fs)
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", filename, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Repository.Driver {
	case "sqlite3", "mysql", "postgres":
	case "file":
		if c.Repository.File == "" {
			return fmt.Errorf("config: repository.driver file needs repository.file")
		}
	default:
		return fmt.Errorf("config: unknown repository.driver %q", c.Repository.Driver)
	}
	switch c.Milter.RecipientMatching {
	case "every", "skip_after_accept":
	default:
		return fmt.Errorf("config: unknown milter.recipient_matching %q", c.Milter.RecipientMatching)
	}
	return nil
}

// Dump returns all settings as sorted "key = json value" lines. Passwords in DSNs are not masked.
func Dump(v *viper.Viper) []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		val, _ := json.Marshal(v.Get(key))
		lines = append(lines, fmt.Sprintf("%s = %s", key, val))
	}
	return lines
}
