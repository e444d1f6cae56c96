// Command flashloan runs the flash-loan engine against a local state
// directory and serves its JSON-RPC API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-flashloan/pkg/config"
	"github.com/fortiblox/x1-flashloan/pkg/node"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// CLI wraps the root command.
type CLI struct {
	cmd *cobra.Command
}

// app carries the loaded configuration to subcommands.
type app struct {
	configFile string
	cnf        *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any subcommand runs.
func preRun(a *app) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(a.configFile); err != nil {
			return errors.Wrap(err, "load config")
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		a.cnf = cnf
		return nil
	}
}

// nodeConfig translates the loaded configuration for the engine.
func (a *app) nodeConfig() (*node.Config, error) {
	fl, err := a.cnf.FlashLoan()
	if err != nil {
		return nil, err
	}
	return &node.Config{
		DataDir:          a.cnf.DataDir,
		AccountsDir:      a.cnf.AccountsDir,
		ReceiptsPath:     a.cnf.ReceiptsPath,
		ComputeUnitLimit: a.cnf.ComputeUnitLimit,
		FlashLoan:        fl,
		Logger:           logrus.NewEntry(logrus.StandardLogger()),
	}, nil
}

// withNode starts an engine for the duration of fn.
func (a *app) withNode(ctx context.Context, mutate func(*node.Config), fn func(*node.Node) error) error {
	cfg, err := a.nodeConfig()
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(cfg)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	runErr := fn(n)
	if err := n.Stop(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "stop node")
	}
	return runErr
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flashloan %s (%s)\n", Version, GitCommit)
		},
	}
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *CLI {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "flashloan",
		Short:         "Flash-loan engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "./flashloan.json", "configuration file")
	rootCmd.PersistentPreRunE = preRun(a)

	rootCmd.AddCommand(versionCommand())
	rootCmd.AddCommand(configCommand(a))
	rootCmd.AddCommand(simulateCommand(a))
	rootCmd.AddCommand(statusCommand(a))
	rootCmd.AddCommand(historyCommand(a))
	rootCmd.AddCommand(snapshotCommands(a))
	rootCmd.AddCommand(serveCommand(a))
	rootCmd.AddCommand(remoteCommands())

	return &CLI{cmd: rootCmd}
}

func (c *CLI) execute() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	NewCLI().execute()
}
