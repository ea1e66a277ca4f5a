// Command safeflow runs the security scan orchestrator.
//
// Usage:
//
//	safeflow serve --config safeflow.yaml
//	safeflow scan semgrep /srv/app
//	safeflow run code_commit /srv/app
//	safeflow tools
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/safeflowhq/safeflow/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Serve the tool broker over stdio."`
	Scan      ScanCmd      `cmd:"" help:"Run one scan tool against a target."`
	Run       RunCmd       `cmd:"" help:"Run a scan workflow to completion."`
	Tools     ToolsCmd     `cmd:"" help:"List registered scan tools."`
	Workflows WorkflowsCmd `cmd:"" help:"List workflow templates and recorded workflows."`
	Validate  ValidateCmd  `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("safeflow version %s\n", version)
	return nil
}

func main() {
	config.LoadEnvFiles(".env")

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("safeflow"),
		kong.Description("safeflow - security scan orchestrator"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
