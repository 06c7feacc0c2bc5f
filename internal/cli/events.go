package cli

import (
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/output"
)

// EventsCmd lists the trace event catalog
type EventsCmd struct {
	Category []string `short:"k" help:"Only list these categories (query, storage, direct_query, plan, command, progress, error)"`
}

// EventClassOutput is one catalog entry
type EventClassOutput struct {
	Type          string `json:"type"` // "event_class"
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	Default       bool   `json:"default"`
}

// Run executes the events command
func (c *EventsCmd) Run(globals *Globals) error {
	defaults := domain.DefaultTraceEventClasses()
	wanted := lo.Map(c.Category, func(s string, _ int) string { return strings.ToLower(strings.TrimSpace(s)) })

	classes := lo.Filter(domain.AllTraceEventClasses(), func(ec domain.TraceEventClass, _ int) bool {
		return len(wanted) == 0 || lo.Contains(wanted, string(ec.Category()))
	})

	if globals.Format == "ndjson" {
		w := output.NewNDJSONWriter(globals.Stdout)
		for _, ec := range classes {
			if err := w.Write(EventClassOutput{
				Type:          "event_class",
				SchemaVersion: output.SchemaVersion,
				Name:          string(ec),
				Category:      string(ec.Category()),
				Description:   ec.Description(),
				Default:       domain.ContainsClass(defaults, ec),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	table := tablewriter.NewWriter(globals.Stdout)
	table.Header([]string{"Event", "Category", "Default", "Description"})
	for _, ec := range classes {
		def := ""
		if domain.ContainsClass(defaults, ec) {
			def = "yes"
		}
		if err := table.Append([]string{string(ec), string(ec.Category()), def, ec.Description()}); err != nil {
			return err
		}
	}
	return table.Render()
}
