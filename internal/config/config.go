// Package config loads listsync settings from a YAML file and LISTSYNC_
// environment variables, and validates them against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/roach88/listsync/internal/engine"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override, e.g. LISTSYNC_USER_ID or
// LISTSYNC_SYNC_DEBOUNCE_MS.
const EnvPrefix = "LISTSYNC"

// Config is the decoded configuration.
type Config struct {
	UserID      string `mapstructure:"user_id" json:"user_id"`
	Database    string `mapstructure:"database" json:"database"`
	CacheDir    string `mapstructure:"cache_dir" json:"cache_dir"`
	Listen      string `mapstructure:"listen" json:"listen"`
	RealtimeURL string `mapstructure:"realtime_url" json:"realtime_url"`
	TokenSecret string `mapstructure:"token_secret" json:"token_secret"`
	Sync        Sync   `mapstructure:"sync" json:"sync"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" json:"-"`
}

// Sync holds the engine and broker timings, in milliseconds.
type Sync struct {
	DebounceMS        int `mapstructure:"debounce_ms" json:"debounce_ms"`
	SuppressionMS     int `mapstructure:"suppression_ms" json:"suppression_ms"`
	FetchTimeoutMS    int `mapstructure:"fetch_timeout_ms" json:"fetch_timeout_ms"`
	BackgroundDelayMS int `mapstructure:"background_delay_ms" json:"background_delay_ms"`
	AnchorAttempts    int `mapstructure:"anchor_attempts" json:"anchor_attempts"`
	AnchorBackoffMS   int `mapstructure:"anchor_backoff_ms" json:"anchor_backoff_ms"`
	AnchorTimeoutMS   int `mapstructure:"anchor_timeout_ms" json:"anchor_timeout_ms"`
	PollMS            int `mapstructure:"poll_ms" json:"poll_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_id", "")
	v.SetDefault("database", "~/.listsync/listsync.db")
	v.SetDefault("cache_dir", "~/.listsync/cache")
	v.SetDefault("listen", "127.0.0.1:8787")
	v.SetDefault("realtime_url", "")
	v.SetDefault("token_secret", "")
	v.SetDefault("sync.debounce_ms", ms(engine.DefaultDebounce))
	v.SetDefault("sync.suppression_ms", ms(engine.DefaultSuppressionWindow))
	v.SetDefault("sync.fetch_timeout_ms", ms(engine.DefaultFetchTimeout))
	v.SetDefault("sync.background_delay_ms", ms(engine.DefaultBackgroundDelay))
	v.SetDefault("sync.anchor_attempts", engine.DefaultAnchorAttempts)
	v.SetDefault("sync.anchor_backoff_ms", ms(engine.DefaultAnchorBackoff))
	v.SetDefault("sync.anchor_timeout_ms", ms(engine.DefaultAnchorTimeout))
	v.SetDefault("sync.poll_ms", 150)
}

// Load reads configuration.
//
// With an explicit path the file must exist. Otherwise listsync.yaml is
// looked up in the working directory and in ~/.listsync, and a missing
// file just means defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("listsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := homedir.Expand("~/.listsync"); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{File: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var err error
	if cfg.Database, err = homedir.Expand(cfg.Database); err != nil {
		return nil, fmt.Errorf("expand database path: %w", err)
	}
	if cfg.CacheDir, err = homedir.Expand(cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("expand cache_dir: %w", err)
	}
	return cfg, nil
}

// ValidationError lists every constraint the config violates.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks cfg against the schema. Server-side commands pass
// client=false; commands acting as a user pass client=true, which also
// requires user_id.
func (c *Config) Validate(client bool) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := "#Config"
	if client {
		def = "#Client"
	}
	unified := schema.LookupPath(cue.ParsePath(def)).Unify(ctx.Encode(c))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var problems []string
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			problems = append(problems, strings.Join(e.Path(), ".")+": "+fmt.Sprintf(format, args...))
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Engine returns the engine configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		UserID:            c.UserID,
		Debounce:          millis(c.Sync.DebounceMS),
		SuppressionWindow: millis(c.Sync.SuppressionMS),
		FetchTimeout:      millis(c.Sync.FetchTimeoutMS),
		BackgroundDelay:   millis(c.Sync.BackgroundDelayMS),
		AnchorAttempts:    c.Sync.AnchorAttempts,
		AnchorBackoff:     millis(c.Sync.AnchorBackoffMS),
		AnchorTimeout:     millis(c.Sync.AnchorTimeoutMS),
	}
}

// PollInterval is how often the broker tails the change log.
func (c *Config) PollInterval() time.Duration {
	return millis(c.Sync.PollMS)
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
