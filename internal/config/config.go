package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	Hub    HubConfig    `mapstructure:"hub"`
	Trace  TraceConfig  `mapstructure:"trace"`
	Engine EngineConfig `mapstructure:"engine"`
}

// HubConfig locates the trace service
type HubConfig struct {
	URL    string `mapstructure:"url"`    // websocket endpoint the client dials
	Listen string `mapstructure:"listen"` // address `dxw serve` binds
}

// TraceConfig holds defaults for trace sessions
type TraceConfig struct {
	Events               []string      `mapstructure:"events"`
	StartTimeout         int           `mapstructure:"start_timeout"` // seconds
	StopTimeout          time.Duration `mapstructure:"stop_timeout"`
	FilterCurrentSession bool          `mapstructure:"filter_current_session"`
}

// EngineConfig holds defaults for metadata access
type EngineConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "ndjson",
		Quiet:   false,
		Verbose: false,
		Hub: HubConfig{
			URL:    "ws://127.0.0.1:8765/trace",
			Listen: "127.0.0.1:8765",
		},
		Trace: TraceConfig{
			Events:       []string{"QueryBegin", "QueryEnd", "Error"},
			StartTimeout: 30,
			StopTimeout:  3 * time.Second,
		},
		Engine: EngineConfig{
			LockTimeout: 10 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("format", cfg.Format)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("hub.url", cfg.Hub.URL)
	v.SetDefault("hub.listen", cfg.Hub.Listen)
	v.SetDefault("trace.events", cfg.Trace.Events)
	v.SetDefault("trace.start_timeout", cfg.Trace.StartTimeout)
	v.SetDefault("trace.stop_timeout", cfg.Trace.StopTimeout)
	v.SetDefault("trace.filter_current_session", cfg.Trace.FilterCurrentSession)
	v.SetDefault("engine.connection_string", cfg.Engine.ConnectionString)
	v.SetDefault("engine.lock_timeout", cfg.Engine.LockTimeout)
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
	}

	// Environment variables
	v.SetEnvPrefix("DXW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("format", "DXW_FORMAT")
	_ = v.BindEnv("quiet", "DXW_QUIET")
	_ = v.BindEnv("verbose", "DXW_VERBOSE")
	_ = v.BindEnv("hub.url", "DXW_HUB_URL", "DXW_HUB")
	_ = v.BindEnv("engine.connection_string", "DXW_CONNECTION_STRING")

	cfg := Default()
	setDefaults(v, cfg)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	setDefaults(v, cfg)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConfigFile returns the path to the config file that Load would read
func ConfigFile() string {
	return findConfigFile()
}

// searchDirs returns candidate directories, highest precedence first
func searchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "dxw"))
	}
	return append(dirs, "/etc/dxw")
}

// findConfigFile locates the first config file in the search path.
// Within one directory .dxw.yaml wins over .dxw.yml, dxw.yaml and .dxwrc.
func findConfigFile() string {
	names := []string{".dxw.yaml", ".dxw.yml", "dxw.yaml", "dxw.yml", ".dxwrc"}
	for _, dir := range searchDirs() {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				if abs, err := filepath.Abs(p); err == nil {
					return abs
				}
				return p
			}
		}
	}
	return ""
}

// applyEnvOverrides applies the short-form env vars that viper's key mapping misses
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DXW_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("DXW_QUIET"); v == "true" || v == "1" {
		cfg.Quiet = true
	}
	if v := os.Getenv("DXW_VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	if v := os.Getenv("DXW_HUB"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("DXW_EVENTS"); v != "" {
		cfg.Trace.Events = strings.Split(v, ",")
	}
}
