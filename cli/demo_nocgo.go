//go:build linux && !cgo

package main

import (
	"github.com/sliverarmory/plthook/memmod"
	"github.com/spf13/cobra"
)

func newDemoCmd(*app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Hook getpid in this executable (requires cgo)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return memmod.ErrNoCgo
		},
	}
}
