package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/rpcclient"
)

// remoteCommands query an engine running under serve.
func remoteCommands() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	client := func() *rpcclient.Client { return rpcclient.New(url, timeout) }

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "query a running engine over JSON-RPC",
	}
	cmd.PersistentFlags().StringVar(&url, "rpc-url", "http://localhost:8899", "engine endpoint")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", rpcclient.DefaultTimeout, "request timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show engine counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().GetNodeStatus(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "slot          %d\n", status.CurrentSlot)
			fmt.Fprintf(w, "accounts      %d\n", status.AccountsCount)
			fmt.Fprintf(w, "processed     %d (%d failed)\n", status.TxsProcessed, status.TxsFailed)
			fmt.Fprintf(w, "receipts      %d\n", status.TransactionCount)
			fmt.Fprintf(w, "uptime        %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
			if status.LastError != "" {
				fmt.Fprintf(w, "last error    %s\n", status.LastError)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <address>",
		Short: "show the lamports held by an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.PubkeyFromBase58(args[0])
			if err != nil {
				return errors.Wrap(err, "address")
			}
			lamports, err := client().GetBalance(cmd.Context(), addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", lamports)
			return nil
		},
	})

	var limit int
	history := &cobra.Command{
		Use:   "history <address>",
		Short: "list recent transactions referencing an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.PubkeyFromBase58(args[0])
			if err != nil {
				return errors.Wrap(err, "address")
			}
			statuses, err := client().GetTransactionsForAddress(cmd.Context(), addr, limit)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "success"
				if s.Err != nil {
					state = "failed: " + s.Err.Message
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  slot %d  %s\n", s.ID, s.Slot, state)
			}
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions")
	cmd.AddCommand(history)

	return cmd
}
