package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-flashloan/pkg/dashboard"
	"github.com/fortiblox/x1-flashloan/pkg/node"
	"github.com/fortiblox/x1-flashloan/pkg/replayer"
	"github.com/fortiblox/x1-flashloan/pkg/rpc"
)

func serveCommand(a *app) *cobra.Command {
	var (
		addr          string
		dashboardAddr string
		snapshot      string
		cors          bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the engine behind the JSON-RPC API and dashboard until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cnf.RPCAddr
			}
			if dashboardAddr == "" {
				dashboardAddr = a.cnf.DashboardAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mutate := func(cfg *node.Config) {
				cfg.SnapshotPath = snapshot
				cfg.OnTransaction = func(r *replayer.ExecutionResult) {
					logrus.WithFields(logrus.Fields{
						"id":      r.ID,
						"slot":    r.Slot,
						"success": r.Success,
						"cu":      r.ComputeUnitsUsed,
					}).Debug("transaction executed")
				}
			}

			return a.withNode(ctx, mutate, func(n *node.Node) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				log := logrus.NewEntry(logrus.StandardLogger())

				config := rpc.DefaultConfig()
				config.Addr = addr
				config.EnableCORS = cors
				config.Version = Version
				config.LogRequests = logrus.IsLevelEnabled(logrus.DebugLevel)
				config.Logger = log
				servers := []func(context.Context) error{rpc.New(config, n).Start}

				if dashboardAddr != "" {
					dash, err := dashboard.New(dashboard.Config{Addr: dashboardAddr, Logger: log}, n)
					if err != nil {
						return err
					}
					servers = append(servers, dash.Start)
				}

				// The first server to exit takes the others down with it.
				errc := make(chan error, len(servers))
				for _, start := range servers {
					go func(start func(context.Context) error) { errc <- start(ctx) }(start)
				}
				var firstErr error
				for range servers {
					if err := <-errc; err != nil && firstErr == nil {
						firstErr = err
					}
					cancel()
				}
				return firstErr
			})
		},
	}

	cmd.Flags().StringVar(&addr, "rpc-addr", "", "listen address (defaults to rpc_addr from the configuration)")
	cmd.Flags().StringVar(&dashboardAddr, "dashboard-addr", "", "serve the web dashboard on this address")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot to load when the state directory is empty")
	cmd.Flags().BoolVar(&cors, "cors", true, "send CORS headers")
	return cmd
}
