package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vburojevic/dxw/internal/trace"
	"github.com/vburojevic/dxw/internal/tui"
)

// UICmd launches an interactive TUI for a trace
type UICmd struct {
	TraceFlags  `embed:""`
	FilterFlags `embed:""`

	BufferSize int `default:"1000" help:"Number of recent events to keep on screen"`
}

// Run executes the UI command
func (c *UICmd) Run(globals *Globals) error {
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

	notes := make(chan trace.Notification, 256)
	model := tui.New(fmt.Sprintf("dxw %s", c.Hub), notes, c.BufferSize, cancel)
	p := tea.NewProgram(model, tea.WithAltScreen())

	runDone := make(chan error, 1)
	go func() {
		defer close(notes)
		_, err := run.run(ctx, func(n trace.Notification) bool {
			if n.Kind == trace.KindEvent {
				if !pipeline.Match(n.Event) {
					return true
				}
				if dedupe != nil && !dedupe.Check(n.Event).ShouldEmit {
					return true
				}
			}
			select {
			case notes <- n:
			case <-ctx.Done():
			}
			return true
		})
		runDone <- err
	}()

	_, uiErr := p.Run()
	cancel()
	err = <-runDone
	if uiErr != nil {
		return fmt.Errorf("TUI error: %w", uiErr)
	}
	return err
}
