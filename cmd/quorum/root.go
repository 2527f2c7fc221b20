package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "quorum",
		Short:         "Aggregate independent evaluator verdicts into attested decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newShowCmd(),
		newHistoryCmd(),
		newArchiveCmd(),
		newExportCmd(),
		newVerifyCmd(),
		newPolicyCmd(),
	)
	return root
}
