package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/quorum/pkg/layout"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

func newShowCmd() *cobra.Command {
	var proposalKey string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current decision of a proposal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := verdict.ParseProposalKey(proposalKey)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			run, err := a.records.Current(cmd.Context(), p)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
	cmd.Flags().StringVar(&proposalKey, "proposal", "", "Proposal key, e.g. polkadot/1723 (REQUIRED)")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	var proposalKey string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Retire a proposal by archiving its current run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := verdict.ParseProposalKey(proposalKey)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.records.Archive(cmd.Context(), p); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &exitError{code: 1, err: err}
				}
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "archived current run of %s\n", p)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalKey, "proposal", "", "Proposal key, e.g. polkadot/1723 (REQUIRED)")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var proposalKey string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every run of a proposal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := verdict.ParseProposalKey(proposalKey)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			runs, err := a.records.History(cmd.Context(), p)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "INDEX\tSTATUS\tDECISION\tPOLICY\tMANIFEST\tREASON")
			for _, r := range runs {
				decision := "-"
				if r.Outcome != nil {
					decision = string(r.Outcome.Decision)
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.Index, r.Status, decision, r.PolicyVersion, r.ManifestFingerprint, r.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&proposalKey, "proposal", "", "Proposal key, e.g. polkadot/1723 (REQUIRED)")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func newExportCmd() *cobra.Command {
	var proposalKey, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Materialize the current and archived runs of a proposal as files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := verdict.ParseProposalKey(proposalKey)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			sum, err := layout.NewExporter(a.records, a.blobs).Export(cmd.Context(), out, p)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			for _, dir := range sum.Runs {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalKey, "proposal", "", "Proposal key, e.g. polkadot/1723 (REQUIRED)")
	cmd.Flags().StringVar(&out, "out", ".", "Output root directory")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}
