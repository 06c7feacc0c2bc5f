package cli

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/output"
	"github.com/vburojevic/dxw/internal/trace"
)

// WatchCmd traces and triggers commands on specific events
type WatchCmd struct {
	TraceFlags  `embed:""`
	FilterFlags `embed:""`

	OnError     string   `help:"Command to run when an Error event arrives"`
	OnSlow      string   `help:"Threshold:command, run when a QueryEnd is slower than threshold ms (e.g. '1000:notify.sh')"`
	OnPattern   []string `help:"Pattern:command pairs matched against event text (e.g. 'DMV:alert.sh') - can be repeated"`
	Cooldown    string   `default:"5s" help:"Minimum time between executions of one trigger"`
	PrintEvents bool     `help:"Also write every matching event"`

	clock clock.Clock
	exec  func(command string, env []string) error
}

// triggerConfig holds parsed trigger configuration
type triggerConfig struct {
	name    string
	command string
	match   func(ev *domain.TraceEvent) bool
}

// TriggerOutput records a trigger execution
type TriggerOutput struct {
	Type          string `json:"type"` // "trigger"
	SchemaVersion int    `json:"schemaVersion"`
	Trigger       string `json:"trigger"`
	Command       string `json:"command"`
	EventClass    string `json:"event_class"`
	Text          string `json:"text_data,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (c *WatchCmd) triggers() ([]triggerConfig, error) {
	var out []triggerConfig
	if c.OnError != "" {
		out = append(out, triggerConfig{
			name:    "error",
			command: c.OnError,
			match: func(ev *domain.TraceEvent) bool {
				return ev.EventClass == domain.EventError || ev.EventClass == domain.EventProgressReportError || ev.Error != 0
			},
		})
	}
	if c.OnSlow != "" {
		parts := strings.SplitN(c.OnSlow, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid threshold:command format: %s", c.OnSlow)
		}
		ms, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid slow query threshold: %s", parts[0])
		}
		out = append(out, triggerConfig{
			name:    "slow:" + parts[0],
			command: parts[1],
			match: func(ev *domain.TraceEvent) bool {
				return ev.EventClass == domain.EventQueryEnd && ev.Duration >= ms
			},
		})
	}
	for _, pt := range c.OnPattern {
		parts := strings.SplitN(pt, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid pattern:command format: %s", pt)
		}
		re, err := regexp.Compile(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid trigger pattern: %s", err)
		}
		out = append(out, triggerConfig{
			name:    "pattern:" + re.String(),
			command: parts[1],
			match:   func(ev *domain.TraceEvent) bool { return re.MatchString(ev.TextData) },
		})
	}
	return out, nil
}

// Run executes the watch command
func (c *WatchCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, &c.TraceFlags, &c.FilterFlags); err != nil {
		return err
	}
	cooldown, err := time.ParseDuration(c.Cooldown)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_COOLDOWN", fmt.Sprintf("invalid cooldown duration: %s", err))
	}
	triggers, err := c.triggers()
	if err != nil {
		return outputErrorCommon(globals, "INVALID_TRIGGER", err.Error())
	}
	if len(triggers) == 0 {
		return outputErrorCommon(globals, "INVALID_TRIGGER", "no triggers configured", "add --on-error, --on-slow or --on-pattern")
	}
	pipeline, err := c.pipeline(globals)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	run, err := openTrace(ctx, globals, &c.TraceFlags)
	if err != nil {
		return err
	}
	defer run.close()

	w := newWriter(globals, nil)
	setTraceID(w, run.session.ID())
	nd, ok := w.(*output.NDJSONWriter)
	if !ok {
		nd = output.NewNDJSONWriter(globals.Stdout)
	}
	fire := c.fire(globals, nd, run.session.ID(), cooldown, triggers)

	globals.stderrf("Watching trace %s on %s (%d triggers, cooldown %s)\n", run.session.ID(), c.Hub, len(triggers), cooldown)

	_, runErr := run.run(ctx, func(n trace.Notification) bool {
		switch n.Kind {
		case trace.KindWarning, trace.KindError:
			_ = w.WriteNotice(string(n.Kind), run.session.ID(), n.Message)
		case trace.KindEvent:
			if !pipeline.Match(n.Event) {
				return true
			}
			if c.PrintEvents {
				_ = w.WriteEvent(n.Event)
			}
			fire(n.Event)
		}
		return true
	})
	return runErr
}

// fire returns the per-event trigger evaluator with cooldown bookkeeping
func (c *WatchCmd) fire(globals *Globals, nd *output.NDJSONWriter, traceID string, cooldown time.Duration, triggers []triggerConfig) func(*domain.TraceEvent) {
	clk := c.clock
	if clk == nil {
		clk = clock.New()
	}
	last := make([]time.Time, len(triggers))

	return func(ev *domain.TraceEvent) {
		now := clk.Now()
		for i, t := range triggers {
			if !t.match(ev) {
				continue
			}
			if !last[i].IsZero() && now.Sub(last[i]) < cooldown {
				continue
			}
			last[i] = now
			c.runTrigger(globals, nd, traceID, t, ev)
		}
	}
}

// runTrigger executes a trigger command
func (c *WatchCmd) runTrigger(globals *Globals, nd *output.NDJSONWriter, traceID string, t triggerConfig, ev *domain.TraceEvent) {
	rec := TriggerOutput{
		Type:          "trigger",
		SchemaVersion: output.SchemaVersion,
		Trigger:       t.name,
		Command:       t.command,
		EventClass:    string(ev.EventClass),
		Text:          ev.TextData,
	}
	if globals.Format == "ndjson" {
		_ = nd.Write(rec)
	} else {
		globals.stderrf("[TRIGGER:%s] Running: %s\n", t.name, t.command)
	}

	env := append(os.Environ(),
		"DXW_TRIGGER="+t.name,
		"DXW_TRACE_ID="+traceID,
		"DXW_EVENT_CLASS="+string(ev.EventClass),
		"DXW_TEXT="+ev.TextData,
		"DXW_SESSION_ID="+ev.SessionID,
		"DXW_DATABASE="+ev.DatabaseName,
		"DXW_DURATION_MS="+strconv.FormatInt(ev.Duration, 10),
	)

	run := c.exec
	if run == nil {
		run = shellExec
	}
	// run in background so trace delivery is never blocked
	go func() {
		if err := run(t.command, env); err != nil {
			if globals.Format == "ndjson" {
				rec.Type = "trigger_error"
				rec.Error = err.Error()
				_ = nd.Write(rec)
			} else {
				globals.stderrf("[TRIGGER ERROR] %s: %s\n", t.command, err)
			}
		}
	}()
}

func shellExec(command string, env []string) error {
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = env
	return cmd.Run()
}
