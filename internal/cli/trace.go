package cli

import (
	"io"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/session"
	"github.com/vburojevic/dxw/internal/trace"
)

// TraceCmd streams a remote query trace
type TraceCmd struct {
	TraceFlags  `embed:""`
	FilterFlags `embed:""`

	Queries bool   `help:"Also write a query summary when each QueryEnd arrives"`
	Output  string `short:"o" help:"Write records to this file instead of stdout ({trace} is replaced by the trace id)"`
}

// Run executes the trace command
func (c *TraceCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, &c.TraceFlags, &c.FilterFlags); err != nil {
		return err
	}
	pipeline, err := c.pipeline(globals)
	if err != nil {
		return err
	}
	dedupe := c.dedupe()

	ctx, cancel := signalContext()
	defer cancel()

	run, err := openTrace(ctx, globals, &c.TraceFlags)
	if err != nil {
		return err
	}
	defer run.close()

	var dest io.Writer = globals.Stdout
	if c.Output != "" {
		rot := newRotation(outputPathBuilder(c.Output))
		w, path, err := rot.Open(run.session.ID())
		if err != nil {
			return outputErrorCommon(globals, "OUTPUT_FAILED", err.Error())
		}
		defer rot.Close()
		dest = w
		run.log.Debug("writing records to %s", path)
	}
	w := newWriter(globals, dest)
	setTraceID(w, run.session.ID())

	tracker := session.NewQueryTracker(nil)
	written := 0

	handle := func(n trace.Notification) bool {
		switch n.Kind {
		case trace.KindStarted:
			tracker.Reset()
			if !globals.Quiet {
				_ = w.WriteTraceStart(domain.NewTraceSessionStart(run.session.ID(), c.Hub,
					run.session.Target().Type, c.ContextID, run.session.Events(), c.FilterSession))
			}
		case trace.KindWarning, trace.KindError:
			_ = w.WriteNotice(string(n.Kind), run.session.ID(), n.Message)
		case trace.KindEvent:
			ev := n.Event
			q := tracker.Observe(ev)
			if !pipeline.Match(ev) {
				return true
			}
			if dedupe != nil && !dedupe.Check(ev).ShouldEmit {
				return true
			}
			if err := w.WriteEvent(ev); err != nil {
				run.log.Debug("write failed: %v", err)
				return false
			}
			if c.Queries && q != nil {
				_ = w.WriteQuery(q)
			}
			written++
			if c.MaxEvents > 0 && written >= c.MaxEvents {
				return false
			}
		}
		return true
	}

	reason, runErr := run.run(ctx, handle)
	if !globals.Quiet && reason != reasonFailed {
		_ = w.WriteTraceEnd(domain.NewTraceSessionEnd(run.session.ID(), reason, tracker.Summary()))
	}
	return runErr
}
