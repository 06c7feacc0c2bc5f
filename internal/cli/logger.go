package cli

import "go.uber.org/zap"

// agentLogger wraps zap for verbose debug with trace context.
type agentLogger struct {
	sugared  *zap.SugaredLogger
	traceID  string
	statusFn func() string
}

func newAgentLogger(globals *Globals, traceID string, statusFn func() string) *agentLogger {
	if globals == nil || !globals.Verbose {
		return &agentLogger{}
	}
	return &agentLogger{
		sugared:  globals.Logger().Sugar(),
		traceID:  traceID,
		statusFn: statusFn,
	}
}

func (l *agentLogger) Debug(format string, args ...interface{}) {
	if l.sugared == nil {
		return
	}
	status := ""
	if l.statusFn != nil {
		status = l.statusFn()
	}
	l.sugared.With("trace_id", l.traceID, "status", status).Debugf(format, args...)
}
