//go:build linux

package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sliverarmory/plthook"
	"github.com/sliverarmory/plthook/hook"
	"github.com/sliverarmory/plthook/memmod"
	"github.com/sliverarmory/plthook/procmaps"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path-substring> <symbol>",
		Short: "Print the GOT slots of a symbol in an object loaded by this process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := plthook.ScanSelf()
			if err != nil {
				return err
			}
			obj, err := findObject(entries, args[0])
			if err != nil {
				return err
			}

			e, err := hook.New(a.logger.Named("resolve"))
			if err != nil {
				return err
			}
			defer e.Close()

			slots, err := e.Slots(obj.Dev, obj.Inode, args[1])
			if err != nil {
				return fmt.Errorf("resolve %s in %s: %w", args[1], obj.Path, err)
			}
			a.logger.Debug("resolved",
				zap.String("object", obj.Path),
				zap.String("symbol", args[1]),
				zap.Int("slots", len(slots)))

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Slot", "Value", "Object"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, slot := range slots {
				table.Append([]string{
					fmt.Sprintf("%x", slot),
					fmt.Sprintf("%x", memmod.ReadWord(slot)),
					obj.Path,
				})
			}
			table.Render()
			return nil
		},
	}
}

// findObject returns the first file mapping at offset 0 whose path
// contains substr.
func findObject(entries []procmaps.Entry, substr string) (procmaps.Entry, error) {
	for _, m := range entries {
		if !m.Anonymous() && m.Offset == 0 && strings.Contains(m.Path, substr) {
			return m, nil
		}
	}
	return procmaps.Entry{}, fmt.Errorf("no object matching %q is mapped", substr)
}
