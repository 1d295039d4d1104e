//go:build linux && cgo

package main

import (
	"fmt"
	"os"

	"github.com/sliverarmory/plthook"
	"github.com/sliverarmory/plthook/internal/cgotarget"
	"github.com/sliverarmory/plthook/memmod"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newDemoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Hook getpid in this executable and show the hooked, original and restored results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer plthook.Close()

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			var st unix.Stat_t
			if err := unix.Stat(exe, &st); err != nil {
				return fmt.Errorf("stat %s: %w", exe, err)
			}
			dev, inode := uint64(st.Dev), uint64(st.Ino)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "getpid: %d\n", cgotarget.CallGetpid())

			var backup plthook.FuncPtr
			if err := plthook.RegisterHook(dev, inode, "getpid", plthook.FuncPtr(cgotarget.FakeGetpidAddr()), &backup); err != nil {
				return err
			}
			if err := plthook.CommitHook(); err != nil {
				return err
			}
			a.logger.Info("getpid hooked", zap.String("executable", exe), zap.Uintptr("backup", uintptr(backup)))
			fmt.Fprintf(out, "hooked getpid: %d\n", cgotarget.CallGetpid())

			orig, err := memmod.Call0(uintptr(backup))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "original getpid: %d\n", int32(orig))

			if err := plthook.RegisterHook(dev, inode, "getpid", backup, nil); err != nil {
				return err
			}
			if err := plthook.CommitHook(); err != nil {
				return err
			}
			fmt.Fprintf(out, "restored getpid: %d\n", cgotarget.CallGetpid())
			return nil
		},
	}
}
