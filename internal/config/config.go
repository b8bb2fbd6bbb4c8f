// Package config loads the agent configuration from a YAML file, HARVESTER_* environment
// variables and an optional .env file, in increasing order of precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/and161185/harvester/internal/crypto"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/logging"
	"github.com/and161185/harvester/internal/source"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SERVER_URL.
const EnvPrefix = "HARVESTER"

// Config is the agent configuration.
type Config struct {
	Server     Server         `mapstructure:"server"`
	Device     Device         `mapstructure:"device"`
	Encryption Encryption     `mapstructure:"encryption"`
	Data       Data           `mapstructure:"data"`
	Control    Control        `mapstructure:"control"`
	Upload     Upload         `mapstructure:"upload"`
	Backfill   Backfill       `mapstructure:"backfill"`
	Log        logging.Config `mapstructure:"log"`
	Sources    Sources        `mapstructure:"sources"`
}

// Server is the remote store.
type Server struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Device overrides the generated device id.
type Device struct {
	ID string `mapstructure:"id"`
}

// Encryption holds either a base64 master key or a passphrase with a base64 salt.
type Encryption struct {
	Key        string `mapstructure:"key"`
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

// Data locates agent state.
type Data struct {
	Dir string `mapstructure:"dir"`
}

// Control is the local control API listener.
type Control struct {
	Addr string `mapstructure:"addr"`
}

// Upload tunes the uploader.
type Upload struct {
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Backfill tunes backfill runs.
type Backfill struct {
	BatchSize int `mapstructure:"batch_size"`
}

// Sources lists per-kind source settings.
type Sources struct {
	Messages MessagesSource `mapstructure:"messages"`
	Contacts FileSource     `mapstructure:"contacts"`
	Notes    NotesSource    `mapstructure:"notes"`
}

// MessagesSource configures the sqlite message store.
type MessagesSource struct {
	Enabled         bool     `mapstructure:"enabled"`
	IntervalMinutes uint     `mapstructure:"interval_minutes"`
	DBPath          string   `mapstructure:"db_path"`
	ExcludedChats   []string `mapstructure:"excluded_chats"`
}

// FileSource configures a JSON-lines export file.
type FileSource struct {
	Enabled         bool   `mapstructure:"enabled"`
	IntervalMinutes uint   `mapstructure:"interval_minutes"`
	Path            string `mapstructure:"path"`
}

// NotesSource is a FileSource that can also sync on file change.
type NotesSource struct {
	FileSource `mapstructure:",squash"`
	Watch      bool `mapstructure:"watch"`
}

// DefaultDir is the per-user config and data directory.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "harvester")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("device.id", "")
	v.SetDefault("encryption.key", "")
	v.SetDefault("encryption.passphrase", "")
	v.SetDefault("encryption.salt", "")
	v.SetDefault("data.dir", DefaultDir())
	v.SetDefault("control.addr", "127.0.0.1:7465")
	v.SetDefault("upload.batch_size", 100)
	v.SetDefault("upload.timeout", 30*time.Second)
	v.SetDefault("backfill.batch_size", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	for _, kind := range []string{"messages", "contacts", "notes"} {
		v.SetDefault("sources."+kind+".enabled", false)
		v.SetDefault("sources."+kind+".interval_minutes", 60)
	}
	v.SetDefault("sources.messages.db_path", "")
	v.SetDefault("sources.messages.excluded_chats", []string{})
	v.SetDefault("sources.contacts.path", "")
	v.SetDefault("sources.notes.path", "")
	v.SetDefault("sources.notes.watch", false)
}

// Load reads the configuration. An empty path looks for config.yaml in DefaultDir and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate checks the settings the agent's run mode depends on.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.URL == "" {
		problems = append(problems, "server.url is required")
	}
	if c.Upload.BatchSize < 0 {
		problems = append(problems, "upload.batch_size must not be negative")
	}
	if c.Backfill.BatchSize <= 0 {
		problems = append(problems, "backfill.batch_size must be positive")
	}
	if c.Encryption.Key != "" && c.Encryption.Passphrase != "" {
		problems = append(problems, "set encryption.key or encryption.passphrase, not both")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ConfigStorePath is the sqlite settings database under the data dir.
func (c *Config) ConfigStorePath() string {
	return filepath.Join(c.Data.Dir, "harvester.db")
}

// MasterKey resolves the configured key. It returns errs.ErrNoEncryptionKey when
// neither a key nor a passphrase is set.
func (e Encryption) MasterKey() ([]byte, error) {
	switch {
	case e.Key != "":
		return crypto.DecodeKey(e.Key)
	case e.Passphrase != "":
		salt, err := base64.StdEncoding.DecodeString(e.Salt)
		if err != nil || len(salt) < 8 {
			return nil, fmt.Errorf("%w: encryption.salt must be base64 of at least 8 bytes", errs.ErrValidation)
		}
		return crypto.DeriveMasterKey([]byte(e.Passphrase), salt), nil
	default:
		return nil, errs.ErrNoEncryptionKey
	}
}

// Settings returns the sealed source settings of every source with a configured path.
func (s Sources) Settings() []source.Settings {
	var out []source.Settings
	if s.Messages.DBPath != "" {
		out = append(out, &source.MessagesSettings{
			Common:        source.Common{Enabled: s.Messages.Enabled, IntervalMinutes: s.Messages.IntervalMinutes},
			DBPath:        s.Messages.DBPath,
			ExcludedChats: s.Messages.ExcludedChats,
		})
	}
	if s.Contacts.Path != "" {
		out = append(out, &source.ContactsSettings{
			Common: source.Common{Enabled: s.Contacts.Enabled, IntervalMinutes: s.Contacts.IntervalMinutes},
			Path:   s.Contacts.Path,
		})
	}
	if s.Notes.Path != "" {
		out = append(out, &source.NotesSettings{
			Common: source.Common{Enabled: s.Notes.Enabled, IntervalMinutes: s.Notes.IntervalMinutes},
			Path:   s.Notes.Path,
			Watch:  s.Notes.Watch,
		})
	}
	return out
}
