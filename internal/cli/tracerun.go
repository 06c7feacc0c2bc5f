package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/filter"
	"github.com/vburojevic/dxw/internal/rpc"
	"github.com/vburojevic/dxw/internal/trace"
)

// TraceFlags are shared by every command that opens a trace session
type TraceFlags struct {
	Hub           string        `short:"H" default:"${config_hub}" help:"Trace service websocket URL"`
	Events        []string      `short:"e" default:"${config_events}" help:"Event classes to capture (comma separated; see 'dxw events')"`
	Connection    string        `short:"t" default:"SSAS" help:"Connection type sent to the service (SSAS, PowerBI, PowerPivot, Offline)"`
	ContextID     string        `short:"c" help:"Connection context id; also the engine session used by --filter-session"`
	FilterSession bool          `default:"${config_filter_session}" help:"Only capture events raised by the context's own engine session"`
	SourceFileID  string        `help:"Identifier of the source document being traced"`
	Suffix        string        `help:"Suffix appended to the remote trace name"`
	StartTimeout  int           `default:"${config_start_timeout}" help:"Seconds the service may take to start the trace"`
	StopTimeout   time.Duration `default:"${config_stop_timeout}" help:"How long to wait for the service to confirm a stop"`
	Duration      time.Duration `short:"d" help:"Stop the trace after this long (0 = until interrupted or complete)"`
	MaxEvents     int           `help:"Stop after this many events were written (0 = unlimited)"`
}

// FilterFlags select which captured events are written
type FilterFlags struct {
	Pattern      string        `short:"p" name:"filter" help:"Regex on the event text"`
	Exclude      []string      `short:"x" help:"Regex on the event text to drop (can be repeated)"`
	Where        []string      `short:"w" help:"Field filter, e.g. class=QueryEnd or duration>=500 (can be repeated)"`
	Dedupe       bool          `help:"Collapse repeated identical events"`
	DedupeWindow time.Duration `help:"Collapse repeats within this window instead of only consecutive ones"`
}

func (f *FilterFlags) pipeline(globals *Globals) (*filter.Pipeline, error) {
	var pattern *regexp.Regexp
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, outputErrorCommon(globals, "INVALID_PATTERN", fmt.Sprintf("invalid regex pattern: %s", err))
		}
		pattern = re
	}
	var excludes []*regexp.Regexp
	for _, x := range f.Exclude {
		re, err := regexp.Compile(x)
		if err != nil {
			return nil, outputErrorCommon(globals, "INVALID_EXCLUDE_PATTERN", fmt.Sprintf("invalid exclude pattern: %s", err))
		}
		excludes = append(excludes, re)
	}
	where, err := filter.NewWhereFilter(f.Where)
	if err != nil {
		return nil, outputErrorCommon(globals, "INVALID_WHERE", err.Error(), "fields: "+fmt.Sprint(filter.Fields()))
	}
	return filter.NewPipeline(pattern, excludes, where), nil
}

func (f *FilterFlags) dedupe() *filter.DedupeFilter {
	if !f.Dedupe {
		return nil
	}
	return filter.NewDedupeFilter(f.DedupeWindow, nil)
}

// traceRun owns one channel and one session for the lifetime of a command
type traceRun struct {
	globals *Globals
	flags   *TraceFlags
	classes []domain.TraceEventClass
	client  *rpc.Client
	session *trace.Session
	log     *agentLogger
}

// endReason values recorded in trace_end
const (
	reasonCompleted    = "completed"
	reasonStopped      = "stopped"
	reasonDisconnected = "disconnected"
	reasonFailed       = "failed"
)

// signalContext cancels on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseClasses(globals *Globals, names []string) ([]domain.TraceEventClass, error) {
	classes, err := domain.ParseTraceEventClasses(names...)
	if err != nil {
		return nil, outputErrorCommon(globals, "INVALID_EVENTS", err.Error(), "run 'dxw events' for the catalog")
	}
	if len(classes) == 0 {
		return nil, outputErrorCommon(globals, "INVALID_EVENTS", "no event classes selected", "pass --events QueryBegin,QueryEnd")
	}
	return classes, nil
}

// openTrace connects to the service and constructs the remote session
func openTrace(ctx context.Context, globals *Globals, flags *TraceFlags) (*traceRun, error) {
	classes, err := parseClasses(globals, flags.Events)
	if err != nil {
		return nil, err
	}
	if flags.FilterSession && flags.ContextID == "" {
		return nil, outputErrorCommon(globals, "INVALID_FLAGS", "--filter-session needs --context-id", "pass the engine session id with -c")
	}

	logger := globals.Logger()
	client := rpc.NewClient(flags.Hub, rpc.WithLogger(logger))
	opts := []trace.Option{trace.WithLogger(logger)}
	if flags.StopTimeout > 0 {
		opts = append(opts, trace.WithStopTimeout(flags.StopTimeout))
	}
	sess := trace.NewSession(client, opts...)

	r := &traceRun{
		globals: globals,
		flags:   flags,
		classes: classes,
		client:  client,
		session: sess,
	}
	r.log = newAgentLogger(globals, sess.ID(), func() string { return sess.Status().String() })
	r.log.Debug("constructing trace on %s", flags.Hub)

	target := trace.Target{Type: domain.ParseConnectionType(flags.Connection), ContextID: flags.ContextID}
	if err := sess.Construct(ctx, target, classes, flags.FilterSession, flags.SourceFileID, flags.Suffix); err != nil {
		_ = client.Close()
		return nil, outputError(globals, err)
	}
	return r, nil
}

// run starts the trace and feeds every notification to handle until the
// trace completes, ctx ends, the channel is lost, or handle returns false.
func (r *traceRun) run(ctx context.Context, handle func(trace.Notification) bool) (string, error) {
	if r.flags.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.flags.Duration)
		defer cancel()
	}

	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	notes := r.session.Stream(streamCtx, 256)

	startAck := r.session.StartAsync(ctx, r.flags.StartTimeout)
	started := false

	for {
		select {
		case err, ok := <-startAck:
			startAck = nil
			if ok && err != nil {
				if ctx.Err() != nil {
					return reasonStopped, nil
				}
				return reasonFailed, outputError(r.globals, err)
			}

		case <-ctx.Done():
			r.log.Debug("stopping trace")
			r.stop(notes, handle)
			return reasonStopped, nil

		case n, ok := <-notes:
			if !ok {
				return reasonStopped, nil
			}
			switch n.Kind {
			case trace.KindStarted:
				started = true
			case trace.KindCompleted:
				handle(n)
				return reasonCompleted, nil
			case trace.KindError:
				if !r.client.Connected() {
					handle(n)
					return reasonDisconnected, outputErrorCommon(r.globals, "CHANNEL_CLOSED", n.Message)
				}
				if !started {
					handle(n)
					return reasonFailed, outputErrorCommon(r.globals, "TRACE_START_FAILED", n.Message)
				}
			}
			if !handle(n) {
				r.stop(notes, handle)
				return reasonStopped, nil
			}
		}
	}
}

// stop runs Session.Stop while still consuming notes, so a full stream never
// holds up the stop. Events arriving meanwhile are discarded.
func (r *traceRun) stop(notes <-chan trace.Notification, handle func(trace.Notification) bool) {
	done := make(chan error, 1)
	go func() { done <- r.session.Stop() }()
	for {
		select {
		case err := <-done:
			if err != nil {
				r.log.Debug("stop: %v", err)
			}
			r.drain(notes, handle)
			return
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if n.Kind != trace.KindEvent {
				handle(n)
			}
		}
	}
}

// drain hands over notifications already queued, e.g. the stop warning
func (r *traceRun) drain(notes <-chan trace.Notification, handle func(trace.Notification) bool) {
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.Kind != trace.KindEvent {
				handle(n)
			}
		default:
			return
		}
	}
}

// close disposes the session and drops the channel
func (r *traceRun) close() {
	r.session.Dispose()
	_ = r.client.Close()
}
