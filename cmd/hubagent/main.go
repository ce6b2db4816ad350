// Hub Agent - local rule engine for a zigbee2mqtt home hub.
//
// The agent registers with the management backend, mirrors zigbee device
// state from MQTT into the rule engine and runs automations locally, so
// rules keep working while the backend is unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/nerrad567/gray-logic-hub/internal/audit"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command tree.
func newApp() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   defaultConfigPath,
		Usage:   "path to the YAML configuration file",
		Sources: cli.EnvVars("HUBAGENT_CONFIG"),
	}

	return &cli.Command{
		Name:    "hubagent",
		Usage:   "local automation agent for a zigbee2mqtt hub",
		Version: version,
		Flags:   []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the agent until interrupted",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, cmd.String("config"))
				},
			},
			{
				Name:      "validate",
				Usage:     "check a JSON rule list for problems",
				ArgsUsage: "<rules.json>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("validate needs exactly one rules file")
					}
					return validateRules(cmd.Root().Writer, cmd.Args().First())
				},
			},
			{
				Name:  "snapshot",
				Usage: "inspect the local rule snapshot",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "list the rules in the snapshot",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "path", Usage: "snapshot file (default from config)"},
						},
						Action: func(_ context.Context, cmd *cli.Command) error {
							path := cmd.String("path")
							if path == "" {
								cfg, err := loadConfig(cmd.String("config"))
								if err != nil {
									return err
								}
								path = cfg.Automation.SnapshotPath
							}
							return showSnapshot(cmd.Root().Writer, path)
						},
					},
				},
			},
			{
				Name:  "history",
				Usage: "show recent rule runs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "rule", Usage: "only runs of this rule id"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum runs to show (0 = all)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd.String("config"))
					if err != nil {
						return err
					}
					return showHistory(ctx, cmd.Root().Writer, cfg, cmd.String("rule"), int(cmd.Int("limit")))
				},
			},
			{
				Name:  "audit",
				Usage: "show recent commands and rule reloads received from outside",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "action", Usage: "device_command or rules_replaced"},
					&cli.StringFlag{Name: "source", Usage: "backend or api"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum entries to show"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd.String("config"))
					if err != nil {
						return err
					}
					return showAudit(ctx, cmd.Root().Writer, cfg, audit.Filter{
						Action: audit.Action(cmd.String("action")),
						Source: cmd.String("source"),
						Limit:  int(cmd.Int("limit")),
					})
				},
			},
			{
				Name:  "version",
				Usage: "print build information",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "hubagent %s (commit %s, built %s)\n", version, commit, date)
					return nil
				},
			},
		},
	}
}
