package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/vburojevic/dxw/internal/config"
)

// Version information, set at build time
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command tree
type CLI struct {
	Format  string `short:"f" default:"${config_format}" enum:"auto,ndjson,text" help:"Output format (auto picks text on a terminal)"`
	Quiet   bool   `short:"q" help:"Suppress lifecycle records; only events and errors are written"`
	Verbose bool   `short:"v" help:"Debug logging to stderr"`

	Trace      TraceCmd      `cmd:"" help:"Run a remote query trace and stream its events"`
	Watch      WatchCmd      `cmd:"" help:"Trace and run commands when events match triggers"`
	UI         UICmd         `cmd:"" name:"ui" help:"Interactive trace viewer"`
	Metadata   MetadataCmd   `cmd:"" help:"Read a schema rowset through the engine connection"`
	Serve      ServeCmd      `cmd:"" help:"Host a trace service that replays recorded events"`
	Events     EventsCmd     `cmd:"" help:"List traceable event classes"`
	Schema     SchemaCmd     `cmd:"" help:"JSON Schema for NDJSON records"`
	Config     ConfigCmd     `cmd:"" help:"Show or generate configuration"`
	Version    VersionCmd    `cmd:"" help:"Show version and upgrade instructions"`
	Completion CompletionCmd `cmd:"" help:"Generate shell completions"`
}

// ConfigVars exposes loaded config values as flag defaults.
// Flags given on the command line still win.
func ConfigVars(cfg *config.Config) kong.Vars {
	if cfg == nil {
		cfg = config.Default()
	}
	return kong.Vars{
		"config_format":            cfg.Format,
		"config_hub":               cfg.Hub.URL,
		"config_events":            strings.Join(cfg.Trace.Events, ","),
		"config_filter_session":    strconv.FormatBool(cfg.Trace.FilterCurrentSession),
		"config_start_timeout":     strconv.Itoa(cfg.Trace.StartTimeout),
		"config_stop_timeout":      cfg.Trace.StopTimeout.String(),
		"config_listen":            cfg.Hub.Listen,
		"config_connection_string": cfg.Engine.ConnectionString,
		"config_lock_timeout":      cfg.Engine.LockTimeout.String(),
	}
}

// Globals carries resolved global flags into every command
type Globals struct {
	Format  string
	Quiet   bool
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config

	logger *zap.Logger
}

// NewGlobalsWithConfig merges parsed flags with loaded config
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	if cfg == nil {
		cfg = config.Default()
	}
	g := &Globals{
		Format:  resolveFormat(c.Format, os.Stdout),
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
	return g
}

// resolveFormat maps "auto" (or empty) to text on a terminal and ndjson otherwise
func resolveFormat(format string, out *os.File) string {
	if format != "" && format != "auto" {
		return format
	}
	if out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) {
		return "text"
	}
	return "ndjson"
}

// Logger returns the zap logger handed to library components. It is a no-op
// logger unless --verbose is set.
func (g *Globals) Logger() *zap.Logger {
	if g == nil {
		return zap.NewNop()
	}
	if g.logger != nil {
		return g.logger
	}
	g.logger = zap.NewNop()
	if g.Verbose {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Encoding = "json"
		if l, err := cfg.Build(); err == nil {
			g.logger = l
		}
	}
	return g.logger
}

// Debug logs a formatted debug line when verbose
func (g *Globals) Debug(format string, args ...interface{}) {
	if g == nil || !g.Verbose {
		return
	}
	g.Logger().Sugar().Debugf(format, args...)
}

func (g *Globals) stderrf(format string, args ...interface{}) {
	if g.Quiet {
		return
	}
	fmt.Fprintf(g.Stderr, format, args...)
}
