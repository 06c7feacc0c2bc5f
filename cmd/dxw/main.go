package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/vburojevic/dxw/internal/cli"
	"github.com/vburojevic/dxw/internal/config"
)

const quickStart = `dxw - remote query traces for tabular engines

Quick start:
  dxw events                                   List traceable event classes
  dxw trace -H ws://host:8765/trace            Stream QueryBegin/QueryEnd/Error
  dxw trace -e QueryEnd -w duration>=500       Only slow queries
  dxw metadata -C "Data Source=model.db"       Read catalogs

For help:
  dxw --help                                   All commands and flags
  dxw schema                                   JSON Schema of the NDJSON records
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("dxw"),
		kong.Description("dxw: remote trace sessions and metadata for tabular engines"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		cli.ConfigVars(cfg),
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
