package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/node"
)

func printHeader(w io.Writer, path string, hdr *accounts.SnapshotHeader) {
	fmt.Fprintf(w, "%s  version %d  slot %d  accounts %d  hash %s\n",
		path, hdr.Version, hdr.Slot, hdr.AccountsCount, hdr.AccountsHash)
}

func snapshotCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "export, import and inspect account snapshots",
	}

	cmd.AddCommand(snapshotExportCommand(a))
	cmd.AddCommand(snapshotImportCommand(a))
	cmd.AddCommand(snapshotInspectCommand())
	return cmd
}

// snapshotPath returns the path argument or the configured default.
func (a *app) snapshotPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cnf.SnapshotPath
}

func snapshotExportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "write the account state to a snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.snapshotPath(args)
			return a.withNode(cmd.Context(), nil, func(n *node.Node) error {
				hdr, err := n.ExportSnapshot(path)
				if err != nil {
					return err
				}
				printHeader(cmd.OutOrStdout(), path, hdr)
				return nil
			})
		},
	}
}

func snapshotImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "load a snapshot into an empty accounts database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.snapshotPath(args)
			hdr, err := accounts.ReadSnapshotHeader(path)
			if err != nil {
				return err
			}

			setPath := func(cfg *node.Config) { cfg.SnapshotPath = path }
			return a.withNode(cmd.Context(), setPath, func(n *node.Node) error {
				status := n.Status()
				if status.CurrentSlot != hdr.Slot || status.AccountsCount != hdr.AccountsCount {
					return errors.Errorf("accounts database at %s already holds state", a.cnf.AccountsDir)
				}
				printHeader(cmd.OutOrStdout(), path, hdr)
				return nil
			})
		},
	}
}

func snapshotInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "print a snapshot header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdr, err := accounts.ReadSnapshotHeader(args[0])
			if err != nil {
				return err
			}
			printHeader(cmd.OutOrStdout(), args[0], hdr)
			return nil
		},
	}
}
