package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy [version]",
		Short: "List aggregation policies or print one policy's table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := aggregation.NewRegistry()
			if len(args) == 0 {
				def := reg.Default().Version()
				for _, v := range reg.Versions() {
					marker := ""
					if v == def {
						marker = " (default)"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", v, marker)
				}
				return nil
			}

			p, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "policy %s, %d evaluators\n", p.Version(), p.Evaluators())
			_, _ = fmt.Fprintln(w, "AYE\tNAY\tABSTAIN\tOUTCOME")
			for _, r := range p.Rows() {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.Tally.Aye, r.Tally.Nay, r.Tally.Abstain, r.Decision)
			}
			return w.Flush()
		},
	}
	return cmd
}
