//go:build linux

package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sliverarmory/plthook"
	"github.com/sliverarmory/plthook/procmaps"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMapsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maps [pid]",
		Short: "List the memory mappings of a process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := a.cfg.PID
			if len(args) == 1 {
				pid = args[0]
			}
			entries, err := plthook.Scan(pid)
			if err != nil {
				return err
			}

			shown := filterMaps(entries, a.cfg.PathFilter, a.cfg.ExecOnly)
			a.logger.Debug("scanned mappings",
				zap.String("pid", pid),
				zap.Int("total", len(entries)),
				zap.Int("shown", len(shown)))
			renderMaps(cmd, shown)
			return nil
		},
	}
	cmd.Flags().String("path", "", "Only show mappings whose path contains this string")
	cmd.Flags().Bool("exec", false, "Only show executable mappings")
	return cmd
}

func filterMaps(entries []procmaps.Entry, path string, execOnly bool) []procmaps.Entry {
	var out []procmaps.Entry
	for _, m := range entries {
		if path != "" && !strings.Contains(m.Path, path) {
			continue
		}
		if execOnly && m.Perms&procmaps.PermExec == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func renderMaps(cmd *cobra.Command, entries []procmaps.Entry) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Start", "End", "Perms", "Offset", "Dev", "Inode", "Path"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, m := range entries {
		sharing := "p"
		if !m.Private {
			sharing = "s"
		}
		table.Append([]string{
			fmt.Sprintf("%x", m.Start),
			fmt.Sprintf("%x", m.End),
			m.Perms.String() + sharing,
			fmt.Sprintf("%x", m.Offset),
			fmt.Sprintf("%d", m.Dev),
			fmt.Sprintf("%d", m.Inode),
			m.Path,
		})
	}
	table.Render()
}
