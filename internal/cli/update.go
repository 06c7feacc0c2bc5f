package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// VersionCmd shows the version and how to upgrade dxw
type VersionCmd struct{}

// VersionOutput represents the NDJSON output for the version command
type VersionOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	GoVersion     string `json:"go_version"`
	GoInstall     string `json:"go_install"`
	ReleasesURL   string `json:"releases_url"`
}

const (
	goInstallCmd = "go install github.com/vburojevic/dxw/cmd/dxw@latest"
	releasesURL  = "https://github.com/vburojevic/dxw/releases"
)

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return c.outputNDJSON(globals)
	}
	return c.outputText(globals)
}

func (c *VersionCmd) outputNDJSON(globals *Globals) error {
	out := VersionOutput{
		Type:          "version",
		SchemaVersion: 1,
		Version:       Version,
		Commit:        Commit,
		GoVersion:     runtime.Version(),
		GoInstall:     goInstallCmd,
		ReleasesURL:   releasesURL,
	}
	return json.NewEncoder(globals.Stdout).Encode(out)
}

func (c *VersionCmd) outputText(globals *Globals) error {
	fmt.Fprintf(globals.Stdout, "dxw %s (%s, %s)\n", Version, Commit, runtime.Version())
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "To upgrade:")
	fmt.Fprintf(globals.Stdout, "  %s\n", goInstallCmd)
	fmt.Fprintf(globals.Stdout, "  or download from %s\n", releasesURL)
	return nil
}
