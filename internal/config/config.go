// Package config loads runtime configuration from the environment with
// sane defaults for local use.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "NOTEDB"
	defaultProject       = "default"
	defaultChangesRepo   = "changes.git"
	defaultDraftsRepo    = "drafts.git"
	defaultServerID      = "reviewstack"
	defaultDatabasePath  = "notedb.db"
	defaultLogLevel      = "info"
	defaultMaxUpdates    = 1000
	defaultSequenceBatch = 20
	defaultCacheEntries  = 1024
)

// AppConfig captures the runtime configuration of the engine.
type AppConfig struct {
	Project         string
	ChangesRepoPath string
	DraftsRepoPath  string
	ServerID        string
	DatabasePath    string
	LogLevel        string
	MaxUpdates      int
	SequenceBatch   int
	CacheEntries    int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("repo.project", defaultProject)
	configViper.SetDefault("repo.changes", defaultChangesRepo)
	configViper.SetDefault("repo.drafts", defaultDraftsRepo)
	configViper.SetDefault("server.id", defaultServerID)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("change.max_updates", defaultMaxUpdates)
	configViper.SetDefault("sequence.batch_size", defaultSequenceBatch)
	configViper.SetDefault("cache.snapshots", defaultCacheEntries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Project:         configViper.GetString("repo.project"),
		ChangesRepoPath: configViper.GetString("repo.changes"),
		DraftsRepoPath:  configViper.GetString("repo.drafts"),
		ServerID:        configViper.GetString("server.id"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		MaxUpdates:      configViper.GetInt("change.max_updates"),
		SequenceBatch:   configViper.GetInt("sequence.batch_size"),
		CacheEntries:    configViper.GetInt("cache.snapshots"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("repo.project is required")
	}
	if strings.TrimSpace(c.ChangesRepoPath) == "" {
		return fmt.Errorf("repo.changes is required")
	}
	if strings.TrimSpace(c.DraftsRepoPath) == "" {
		return fmt.Errorf("repo.drafts is required")
	}
	if strings.TrimSpace(c.ServerID) == "" {
		return fmt.Errorf("server.id is required")
	}
	if c.MaxUpdates < 0 {
		return fmt.Errorf("change.max_updates must not be negative")
	}
	if c.SequenceBatch <= 0 {
		return fmt.Errorf("sequence.batch_size must be positive")
	}
	return nil
}
