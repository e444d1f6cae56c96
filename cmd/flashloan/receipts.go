package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/node"
)

func printStatus(w io.Writer, status *blockstore.TransactionStatus, withLogs bool) {
	state := "success"
	if !status.Succeeded() {
		state = "failed: " + status.Err.Error()
	}
	fmt.Fprintf(w, "%s  slot %d  cu %d  %s\n", status.ID, status.Slot, status.ComputeUnitsConsumed, state)
	if withLogs {
		for _, line := range status.Logs {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func statusCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "show the receipt of an executed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.HashFromBase58(args[0])
			if err != nil {
				return errors.Wrap(err, "transaction id")
			}
			return a.withNode(cmd.Context(), nil, func(n *node.Node) error {
				status, err := n.GetStatus(id)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), status, true)
				return nil
			})
		},
	}
	return cmd
}

func historyCommand(a *app) *cobra.Command {
	var (
		limit    int
		withLogs bool
	)

	cmd := &cobra.Command{
		Use:   "history <address>",
		Short: "list the most recent transactions referencing an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.PubkeyFromBase58(args[0])
			if err != nil {
				return errors.Wrap(err, "address")
			}
			return a.withNode(cmd.Context(), nil, func(n *node.Node) error {
				statuses, err := n.History(addr, limit)
				if err != nil {
					return err
				}
				for _, status := range statuses {
					printStatus(cmd.OutOrStdout(), status, withLogs)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions, 0 for all")
	cmd.Flags().BoolVar(&withLogs, "logs", false, "print program logs")
	return cmd
}
