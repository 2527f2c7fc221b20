package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/quorum/pkg/pipeline"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

func newRunCmd() *cobra.Command {
	var (
		proposalKey string
		reason      string
		contentDir  string
		roster      string
		attrs       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one decision run for a proposal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := verdict.ParseProposalKey(proposalKey)
			if err != nil {
				return err
			}
			contents, err := readContentDir(contentDir)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ctrl, err := a.controller(ctx, roster)
			if err != nil {
				return err
			}

			run, err := ctrl.Execute(ctx, pipeline.Request{
				Proposal:   p,
				Contents:   contents,
				Reason:     reason,
				Attributes: parseAttributes(attrs),
			})
			if run != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(run)
			}
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalKey, "proposal", "", "Proposal key, e.g. polkadot/1723 (REQUIRED)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why this run is requested (kept for audit only)")
	cmd.Flags().StringVar(&contentDir, "content", "", "Directory holding the frozen content files (REQUIRED)")
	cmd.Flags().StringVar(&roster, "roster", "", "Evaluator roster YAML (default $ROSTER_PATH)")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "Eligibility attributes, e.g. --attr track=34")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

// readContentDir loads every regular file under dir, named by its slash
// path relative to dir.
func readContentDir(dir string) ([]verdict.Content, error) {
	var out []verdict.Content
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, verdict.Content{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", dir, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("content directory %s is empty", dir)
	}
	return out, nil
}

// parseAttributes turns numeric values into numbers so rules can compare
// them.
func parseAttributes(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
			continue
		}
		out[k] = v
	}
	return out
}
