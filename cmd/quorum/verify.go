package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
)

func newVerifyCmd() *cobra.Command {
	var withArtifacts bool
	cmd := &cobra.Command{
		Use:   "verify <manifest.json> [expected-fingerprint]",
		Short: "Recompute a manifest's canonical fingerprint and optionally check its artifacts",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := manifest.Decode(raw)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			fp, err := manifest.Fingerprint(m)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), fp)

			if canonicalize.Fingerprint(raw) != fp {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "note: file is not in canonical form; fingerprint computed over its canonical re-encoding")
			}
			if len(args) == 2 {
				if err := manifest.VerifyFingerprint(m, args[1]); err != nil {
					return &exitError{code: 1, err: err}
				}
			}
			if withArtifacts {
				blobs, err := readRunDir(filepath.Dir(args[0]), m)
				if err != nil {
					return &exitError{code: 1, err: err}
				}
				if err := manifest.Verify(m, blobs); err != nil {
					return &exitError{code: 1, err: err}
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withArtifacts, "artifacts", false, "Also check every listed artifact next to the manifest")
	return cmd
}

func readRunDir(dir string, m *manifest.Manifest) (map[string][]byte, error) {
	blobs := make(map[string][]byte, len(m.Artifacts))
	for _, e := range m.Artifacts {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(e.Name)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		blobs[e.Name] = data
	}
	return blobs, nil
}
