package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vburojevic/dxw/internal/metrics"
	"github.com/vburojevic/dxw/internal/output"
	"github.com/vburojevic/dxw/internal/tracehub"
)

// ServeCmd hosts a trace service fed from a recorded NDJSON trace
type ServeCmd struct {
	Listen        string        `short:"l" default:"${config_listen}" help:"Address to listen on"`
	Replay        string        `short:"r" required:"" type:"existingfile" help:"NDJSON file of trace events to replay for each started trace"`
	Interval      time.Duration `help:"Delay between replayed events (0 = as fast as possible)"`
	AllowedOrigin []string      `help:"Allowed websocket Origin (can be repeated; default: same host only)"`
	NoMetrics     bool          `help:"Do not expose /metrics"`
}

// ServeInfo is written once the listener is bound
type ServeInfo struct {
	Type          string `json:"type"` // "serving"
	SchemaVersion int    `json:"schemaVersion"`
	Address       string `json:"address"`
	TraceURL      string `json:"trace_url"`
	MetricsURL    string `json:"metrics_url,omitempty"`
}

// newMux wires the hub and the metrics endpoint
func (c *ServeCmd) newMux(hub *tracehub.Hub, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/trace", hub)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %d sessions\n", hub.Sessions())
	})
	return mux
}

// Run executes the serve command
func (c *ServeCmd) Run(globals *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return c.serve(ctx, globals, nil)
}

// serve runs until ctx ends; ready, when set, receives the bound address
func (c *ServeCmd) serve(ctx context.Context, globals *Globals, ready chan<- string) error {
	logger := globals.Logger()

	var m *metrics.Metrics
	if !c.NoMetrics {
		m = metrics.New()
	}
	src := &tracehub.ReplaySource{Path: c.Replay, Interval: c.Interval}
	hub := tracehub.New(src,
		tracehub.WithLogger(logger),
		tracehub.WithMetrics(m),
		tracehub.WithAllowedOrigins(c.AllowedOrigin),
	)

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return outputErrorCommon(globals, "LISTEN_FAILED", err.Error(), "choose another --listen address")
	}
	addr := ln.Addr().String()

	srv := &http.Server{
		Handler:           c.newMux(hub, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	info := ServeInfo{
		Type:          "serving",
		SchemaVersion: output.SchemaVersion,
		Address:       addr,
		TraceURL:      "ws://" + addr + "/trace",
	}
	if m != nil {
		info.MetricsURL = "http://" + addr + "/metrics"
	}
	if globals.Format == "ndjson" {
		_ = output.NewNDJSONWriter(globals.Stdout).Write(info)
	} else {
		fmt.Fprintf(globals.Stdout, "Serving traces on %s (replaying %s)\n", info.TraceURL, c.Replay)
	}
	if ready != nil {
		ready <- addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// hijacked websockets are not tracked by Shutdown
		_ = hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return outputErrorCommon(globals, "SERVE_FAILED", err.Error())
	}
	return nil
}
