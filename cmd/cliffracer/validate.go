package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/fancy"
)

var validateCmd = &cli.Command{
	Name:    "validate",
	Aliases: []string{"lint"},
	Usage:   "Validate a configuration file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the configuration file",
		},
		&cli.BoolFlag{
			Name:    "tree",
			Aliases: []string{"t"},
			Usage:   "Show detailed tree view of the validated configuration",
		},
	},
	Suggest: true,
	Action:  validateAction,
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	// Check for config flag first
	configPath := cmd.String("config")

	// If no config flag, check for positional argument
	if configPath == "" {
		if cmd.Args().Len() < 1 {
			return fmt.Errorf(
				"config file path required (use the --config flag, or provide the config file as positional argument)",
			)
		}
		configPath = cmd.Args().Get(0)
	}

	return validateLocal(configPath, cmd.Bool("tree"), cmd.Root().Writer)
}

// validateLocal loads the config, which normalizes and validates it, and
// writes the result to out.
func validateLocal(configPath string, treeView bool, out io.Writer) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintf(out, "Configuration file %s is %s\n",
		fancy.PathText(configPath), fancy.ValidText("valid"))

	if treeView {
		// Use the Stringer interface to print the config in a fancy tree format
		fmt.Fprintln(out, cfg)
		return nil
	}

	fmt.Fprintln(out, renderConfigSummary(configPath, cfg))
	return nil
}

// renderConfigSummary creates a formatted summary string for the configuration
func renderConfigSummary(path string, cfg *config.Config) string {
	listeners := 0
	for _, svc := range cfg.Services {
		for _, port := range []int{svc.HTTPPort, svc.WebSocketPort, svc.BackdoorPort} {
			if port != 0 {
				listeners++
			}
		}
	}

	var summary strings.Builder
	summary.WriteString("\nConfig Summary:\n")
	summary.WriteString(fmt.Sprintf("- Path: %s\n", path))
	summary.WriteString(fmt.Sprintf("- Version: %s\n", cfg.Version))
	summary.WriteString(fmt.Sprintf("- Services: %d\n", len(cfg.Services)))
	summary.WriteString(fmt.Sprintf("- Listeners: %d\n", listeners))
	summary.WriteString("\n")
	summary.WriteString(fancy.SummaryText("Use --tree for a more detailed view of the config."))

	return summary.String()
}
