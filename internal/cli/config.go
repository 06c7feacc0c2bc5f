package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vburojevic/dxw/internal/config"
)

// ConfigCmd groups configuration subcommands
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the effective configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is used"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample config file"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

// ConfigOutput is the NDJSON form of the configuration
type ConfigOutput struct {
	Type          string         `json:"type"` // "config"
	SchemaVersion int            `json:"schemaVersion"`
	Path          string         `json:"path,omitempty"`
	Format        string         `json:"format"`
	Quiet         bool           `json:"quiet"`
	Verbose       bool           `json:"verbose"`
	Hub           map[string]any `json:"hub"`
	Trace         map[string]any `json:"trace"`
	Engine        map[string]any `json:"engine"`
}

func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if globals.Format == "ndjson" {
		out := ConfigOutput{
			Type:          "config",
			SchemaVersion: 1,
			Path:          config.ConfigFile(),
			Format:        cfg.Format,
			Quiet:         cfg.Quiet,
			Verbose:       cfg.Verbose,
			Hub: map[string]any{
				"url":    cfg.Hub.URL,
				"listen": cfg.Hub.Listen,
			},
			Trace: map[string]any{
				"events":                 cfg.Trace.Events,
				"start_timeout":          cfg.Trace.StartTimeout,
				"stop_timeout":           cfg.Trace.StopTimeout.String(),
				"filter_current_session": cfg.Trace.FilterCurrentSession,
			},
			Engine: map[string]any{
				"connection_string": cfg.Engine.ConnectionString,
				"lock_timeout":      cfg.Engine.LockTimeout.String(),
			},
		}
		return json.NewEncoder(globals.Stdout).Encode(out)
	}

	fmt.Fprintln(globals.Stdout, "Current Configuration:")
	fmt.Fprintf(globals.Stdout, "  format: %s\n", cfg.Format)
	fmt.Fprintf(globals.Stdout, "  quiet: %v\n", cfg.Quiet)
	fmt.Fprintf(globals.Stdout, "  verbose: %v\n", cfg.Verbose)
	fmt.Fprintln(globals.Stdout, "\nHub:")
	fmt.Fprintf(globals.Stdout, "  url: %s\n", cfg.Hub.URL)
	fmt.Fprintf(globals.Stdout, "  listen: %s\n", cfg.Hub.Listen)
	fmt.Fprintln(globals.Stdout, "\nTrace:")
	fmt.Fprintf(globals.Stdout, "  events: %s\n", strings.Join(cfg.Trace.Events, ","))
	fmt.Fprintf(globals.Stdout, "  start_timeout: %d\n", cfg.Trace.StartTimeout)
	fmt.Fprintf(globals.Stdout, "  stop_timeout: %s\n", cfg.Trace.StopTimeout)
	fmt.Fprintf(globals.Stdout, "  filter_current_session: %v\n", cfg.Trace.FilterCurrentSession)
	fmt.Fprintln(globals.Stdout, "\nEngine:")
	fmt.Fprintf(globals.Stdout, "  connection_string: %s\n", cfg.Engine.ConnectionString)
	fmt.Fprintf(globals.Stdout, "  lock_timeout: %s\n", cfg.Engine.LockTimeout)
	return nil
}

// ConfigPathCmd prints the config file location
type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()
	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":          "config_path",
			"schemaVersion": 1,
			"path":          path,
		})
	}
	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found (searched ./.dxw.yaml, ~/.dxw.yaml, ~/.config/dxw/dxw.yaml, /etc/dxw/dxw.yaml)")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return nil
}

// ConfigGenerateCmd prints a sample config
type ConfigGenerateCmd struct{}

const sampleConfig = `# dxw configuration file
# Place as .dxw.yaml in the project, ~/.dxw.yaml, ~/.config/dxw/dxw.yaml or /etc/dxw/dxw.yaml.
# Every key can be overridden with DXW_<KEY> (dots become underscores).

format: ndjson        # ndjson, text or auto
quiet: false
verbose: false

hub:
  url: ws://127.0.0.1:8765/trace
  listen: 127.0.0.1:8765

trace:
  events: [QueryBegin, QueryEnd, Error]
  start_timeout: 30   # seconds
  stop_timeout: 3s
  filter_current_session: false

engine:
  connection_string: "Data Source=model.db"
  lock_timeout: 10s
`

func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	_, err := fmt.Fprint(globals.Stdout, sampleConfig)
	return err
}
